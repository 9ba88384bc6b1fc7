package common

import "fmt"

// FormatFileSize renders a byte count for humans using 1024 based units and
// two decimals, e.g. "512 B", "1.50 KB", "4.00 MB".
func FormatFileSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)

	switch {
	case bytes < kb:
		return fmt.Sprintf("%d B", bytes)
	case bytes < mb:
		return fmt.Sprintf("%.2f KB", float64(bytes)/kb)
	case bytes < gb:
		return fmt.Sprintf("%.2f MB", float64(bytes)/mb)
	}
	return fmt.Sprintf("%.2f GB", float64(bytes)/gb)
}
