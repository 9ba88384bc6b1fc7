package transfer

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Tracker is the only writer of a FileTransfer. It consumes the events of
// its transfer in order and stops listening once the transfer is terminal.
type Tracker struct {
	events   chan Event
	done     chan struct{}
	logger   logrus.FieldLogger
	onChange func(View)

	mu       sync.RWMutex // protects ft and rejected
	ft       *FileTransfer
	rejected []error
}

// NewTracker creates a tracker for ft. onChange, if not nil, is called from
// the tracker goroutine after every applied event.
func NewTracker(ft *FileTransfer, logger logrus.FieldLogger, onChange func(View)) *Tracker {
	return &Tracker{
		events:   make(chan Event),
		done:     make(chan struct{}),
		logger:   logger.WithField("transfer", ft.Key),
		onChange: onChange,
		ft:       ft,
	}
}

// Run applies events until the transfer reaches a terminal status.
func (t *Tracker) Run() {
	defer close(t.done)

	for ev := range t.events {
		t.mu.Lock()
		err := t.ft.Apply(ev)
		if err != nil {
			t.rejected = append(t.rejected, err)
		}
		view := t.ft.View()
		t.mu.Unlock()

		if err != nil {
			t.logger.WithError(err).Warn("Rejected transfer event")
			continue
		}
		if t.onChange != nil {
			t.onChange(view)
		}
		if view.Status.Terminal() {
			t.logger.WithField("status", view.Status.String()).Debug("Transfer finished")
			return
		}
	}
}

// Emit delivers ev to the tracker. It returns false when the tracker has
// already stopped, in which case the event is dropped.
func (t *Tracker) Emit(ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.done:
		t.logger.WithField("event", ev.Kind.String()).Warn("Dropped event for finished transfer")
		return false
	}
}

// Done is closed once the tracker stopped.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

func (t *Tracker) View() View {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ft.View()
}

// Rejected returns the errors of all events that could not be applied.
func (t *Tracker) Rejected() []error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]error(nil), t.rejected...)
}
