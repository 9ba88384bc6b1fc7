package relay

import "strings"

// DefaultContentType is used when a file's type is neither declared nor
// recognised.
const DefaultContentType = "application/octet-stream"

// NormalizePrefix makes sure a non-empty prefix ends with a slash.
func NormalizePrefix(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}

// ObjectPath joins the destination prefix with the object name, falling
// back to the file name when no object name was given.
func ObjectPath(prefix, objectName, fileName string) string {
	name := strings.TrimSpace(objectName)
	if name == "" {
		name = fileName
	}
	return NormalizePrefix(prefix) + name
}
