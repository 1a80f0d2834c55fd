package tui

import (
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/scottbass3/ghcr-cleaner/internal/cleaner"
)

// Feed carries cleaner events from the worker goroutines to the program. Observe
// never blocks once the program has exited.
type Feed struct {
	events    chan cleaner.Event
	stopped   chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
}

func NewFeed(buffer int) *Feed {
	return &Feed{
		events:  make(chan cleaner.Event, buffer),
		stopped: make(chan struct{}),
	}
}

// Observe satisfies cleaner.Observer.
func (f *Feed) Observe(event cleaner.Event) {
	select {
	case f.events <- event:
	case <-f.stopped:
	}
}

// Close signals the end of the run; the program quits after draining.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *Feed) stop() {
	f.stopOnce.Do(func() { close(f.stopped) })
}

// Run shows the live view until the feed is closed. cancel is invoked when the user
// asks to stop.
func Run(feed *Feed, owner string, dryRun bool, cancel func(), out io.Writer) error {
	defer feed.stop()
	model := NewModel(owner, dryRun, feed.events, cancel)
	_, err := tea.NewProgram(model, tea.WithOutput(out)).Run()
	return err
}
