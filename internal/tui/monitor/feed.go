package monitor

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/dreamine/hybridhost/internal/bus"
)

// Sender is the part of *tea.Program the feed uses.
type Sender interface {
	Send(msg tea.Msg)
}

// Forward returns a bus handler that sends every message to p.
func Forward(p Sender) bus.Handler {
	return func(msg bus.Message) error {
		p.Send(MessageMsg(msg))
		return nil
	}
}

// Feed subscribes Forward(p) to every topic on b. Unsubscribe the returned
// subscription before the program exits.
func Feed(b *bus.Bus, p Sender) (*bus.Subscription, error) {
	return b.Subscribe("*", Forward(p))
}
