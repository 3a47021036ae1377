package agent

import (
	"sync"

	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
)

// Controller is the foreground side of the channel. It reloads exactly once
// when a waiting agent takes over; after that the page is gone.
type Controller struct {
	mu     sync.Mutex
	sub    interfaces.Subscription
	closed bool
	reload func(version string)
}

// NewController subscribes reload to controller changes of registration
func NewController(registration *Registration, reload func(version string)) *Controller {
	c := &Controller{reload: reload}
	sub := registration.OnControllerChange(c.handle)

	c.mu.Lock()
	c.sub = sub
	if c.closed {
		sub.Close()
	}
	c.mu.Unlock()
	return c
}

func (c *Controller) handle(version string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	c.reload(version)
}

// Close detaches the controller without reloading
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.sub != nil {
		c.sub.Close()
	}
}
