// Package transfer holds the per-file transfer record and the state machine
// that advances it from pending to a terminal success or error.
package transfer

import (
	"errors"
	"fmt"
	"math"
)

// ErrIllegalTransition is returned when an event does not apply to the
// current status of a transfer. The record is left unchanged.
var ErrIllegalTransition = errors.New("illegal transfer transition")

// EventKind names what happened to a transfer.
type EventKind int

const (
	// EventStart is emitted when the transport begins sending the file.
	EventStart EventKind = iota
	// EventProgress carries the number of bytes acknowledged so far.
	EventProgress
	// EventSent is emitted once the whole body was handed to the relay.
	EventSent
	// EventCommitted is emitted when the relay confirmed the store commit.
	EventCommitted
	// EventFailed is emitted on any transport, store or timeout failure.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventProgress:
		return "progress"
	case EventSent:
		return "sent"
	case EventCommitted:
		return "committed"
	case EventFailed:
		return "failed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a single observation about a transfer.
type Event struct {
	Kind EventKind

	// Loaded and Total are set for EventProgress.
	Loaded int64
	Total  int64

	// ObjectName is set for EventCommitted.
	ObjectName string

	// Detail is set for EventFailed and is shown to the user verbatim.
	Detail string
}

// FileTransfer is the record of one file of a batch. It is mutated only
// through Apply.
type FileTransfer struct {
	Key             string
	Name            string
	Index           int
	Size            int64
	DestinationPath string

	BytesAcknowledged   int64
	Percentage          int
	Status              Status
	ErrorDetail         string
	CommittedObjectName string
}

// Key builds the batch-unique key of the file at index.
func Key(name string, index int) string {
	return fmt.Sprintf("%s-%d", name, index)
}

func New(name string, index int, size int64, destinationPath string) *FileTransfer {
	return &FileTransfer{
		Key:             Key(name, index),
		Name:            name,
		Index:           index,
		Size:            size,
		DestinationPath: destinationPath,
		Status:          StatusPending,
	}
}

func (ft *FileTransfer) illegal(ev Event) error {
	return fmt.Errorf("%w: %s event in status %s for %s", ErrIllegalTransition, ev.Kind, ft.Status, ft.Key)
}

// Apply advances the record according to ev.
func (ft *FileTransfer) Apply(ev Event) error {
	if ft.Status.Terminal() {
		return ft.illegal(ev)
	}

	switch ev.Kind {
	case EventStart:
		if ft.Status != StatusPending {
			return ft.illegal(ev)
		}
		ft.Status = StatusUploading
		ft.BytesAcknowledged = 0
		ft.Percentage = 0

	case EventProgress:
		if ft.Status != StatusUploading {
			return ft.illegal(ev)
		}
		loaded := min(ev.Loaded, ackLimit(ft.Size))
		if loaded < ft.BytesAcknowledged {
			return fmt.Errorf("%w: progress for %s went back from %d to %d bytes", ErrIllegalTransition, ft.Key, ft.BytesAcknowledged, loaded)
		}
		ft.BytesAcknowledged = loaded
		ft.Percentage = percentage(ev.Loaded, ev.Total)

	case EventSent:
		if ft.Status != StatusUploading {
			return ft.illegal(ev)
		}
		ft.Status = StatusProcessing
		ft.Percentage = 100

	case EventCommitted:
		if ft.Status != StatusProcessing {
			return ft.illegal(ev)
		}
		ft.Status = StatusSuccess
		ft.BytesAcknowledged = ft.Size
		ft.Percentage = 100
		ft.CommittedObjectName = ev.ObjectName

	case EventFailed:
		ft.Status = StatusError
		ft.ErrorDetail = ev.Detail

	default:
		return ft.illegal(ev)
	}

	return nil
}

// ackLimit is the highest byte count progress may report. The last byte
// is only acknowledged by the commit, so a transfer reaches its size only
// on success. An empty file has nothing to hold back.
func ackLimit(size int64) int64 {
	if size <= 0 {
		return 0
	}
	return size - 1
}

func percentage(loaded, total int64) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(float64(loaded) / float64(total) * 100))
	if pct > 100 {
		pct = 100
	}
	return pct
}

// View is a read-only copy of a FileTransfer.
type View struct {
	Key                 string `json:"key"`
	Name                string `json:"name"`
	Size                int64  `json:"size"`
	DestinationPath     string `json:"destination_path"`
	BytesAcknowledged   int64  `json:"bytes_acknowledged"`
	Percentage          int    `json:"percentage"`
	Status              Status `json:"status"`
	ErrorDetail         string `json:"error_detail,omitempty"`
	CommittedObjectName string `json:"committed_object_name,omitempty"`
}

func (ft *FileTransfer) View() View {
	return View{
		Key:                 ft.Key,
		Name:                ft.Name,
		Size:                ft.Size,
		DestinationPath:     ft.DestinationPath,
		BytesAcknowledged:   ft.BytesAcknowledged,
		Percentage:          ft.Percentage,
		Status:              ft.Status,
		ErrorDetail:         ft.ErrorDetail,
		CommittedObjectName: ft.CommittedObjectName,
	}
}
