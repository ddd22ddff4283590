package lifecycle

import "time"

type EventType string

const (
	EventInstalling      EventType = "installing"
	EventInstalled       EventType = "installed"
	EventInstallFailed   EventType = "install-failed"
	EventUpdateAvailable EventType = "update-available"
	EventActivated       EventType = "activated"
	EventGCFailed        EventType = "gc-failed"
	EventCleared         EventType = "cleared"
)

// Event is broadcast to subscribers on every lifecycle transition.
type Event struct {
	Type      EventType `json:"type"`
	Version   string    `json:"version,omitempty"`
	Namespace string    `json:"namespace,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Subscribe returns a channel receiving every event emitted from now on,
// and a function that cancels the subscription and closes the channel.
// Events are dropped for a subscriber whose buffer is full.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Controller) emit(e Event) {
	e.Time = time.Now()
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- e:
		default:
			c.log.Trace().Str("event", string(e.Type)).Msg("Dropping event for slow subscriber")
		}
	}
}
