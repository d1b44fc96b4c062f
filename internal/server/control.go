package server

import (
	"github.com/danmuck/ictrl/internal/eventloop"
	"github.com/danmuck/ictrl/internal/protocol/session"
)

// Control hosts one control channel listener. Shutdown stops accepting new
// sessions; the service counts as down once the open sessions are gone.
type Control struct {
	Config  session.Config
	Poller  eventloop.Poller
	Handler session.Handler

	listener *session.Listener
}

func (c *Control) Init() error {
	l, err := session.Listen(c.Config, c.Poller, c.Handler)
	if err != nil {
		return err
	}
	c.listener = l
	return nil
}

func (c *Control) Fini() error {
	if c.listener == nil {
		return nil
	}
	return c.listener.Close()
}

func (c *Control) Start() error {
	return c.listener.Start()
}

func (c *Control) Stop() {
	c.listener.Stop()
}

func (c *Control) Shutdown() {
	c.listener.Stop()
}

func (c *Control) IsDown() bool {
	return c.listener.Sessions() == 0
}

// Listener exposes the hosted listener, nil before Init.
func (c *Control) Listener() *session.Listener {
	return c.listener
}
