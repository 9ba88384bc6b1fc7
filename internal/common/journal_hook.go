// Inspired by github.com/wercker/journalhook (MIT license)
package common

import (
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/sirupsen/logrus"
)

// JournalIdentifier is the SYSLOG_IDENTIFIER of entries sent by JournalHook.
const JournalIdentifier = "upload-relay"

// JournalHook sends every log entry to the systemd journal. Entry fields
// become journal fields, e.g. "operation_id" is stored as OPERATION_ID.
type JournalHook struct{}

var journalPriorities = map[logrus.Level]journal.Priority{
	logrus.TraceLevel: journal.PriDebug,
	logrus.DebugLevel: journal.PriDebug,
	logrus.InfoLevel:  journal.PriInfo,
	logrus.WarnLevel:  journal.PriWarning,
	logrus.ErrorLevel: journal.PriErr,
	logrus.FatalLevel: journal.PriCrit,
	logrus.PanicLevel: journal.PriEmerg,
}

// journalField turns a logrus field name into a valid journal field name:
// upper case letters, digits and underscores, not starting with an
// underscore (those are reserved for trusted fields).
func journalField(key string) string {
	key = strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		}
		return '_'
	}, key)
	return strings.TrimLeft(key, "_")
}

func journalVars(entry *logrus.Entry) map[string]string {
	vars := map[string]string{
		"SYSLOG_IDENTIFIER": JournalIdentifier,
	}
	for k, v := range entry.Data {
		key := journalField(k)
		if key == "" {
			continue
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		vars[key] = fmt.Sprint(v)
	}
	return vars
}

func (hook *JournalHook) Fire(entry *logrus.Entry) error {
	return journal.Send(entry.Message, journalPriorities[entry.Level], journalVars(entry))
}

func (hook *JournalHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
