package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/ictrl/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// maxPathLen is the usable length of sockaddr_un.sun_path.
const maxPathLen = 107

// Config defines one control channel endpoint.
type Config struct {
	// Path is the filesystem address of the socket.
	Path string
	// Backlog is the listen(2) backlog depth.
	Backlog int
	// MaxFrameSize bounds frames in both directions and sizes the receive buffer.
	MaxFrameSize int
	// QueueDepth bounds the outbound queue of every session.
	QueueDepth int
	// AcceptBackoff is how long accept stays paused when descriptors run
	// out. Every pause waits the same delay.
	AcceptBackoff time.Duration
	// Blocking makes Client.Send and Client.Recv wait out would-block
	// conditions instead of returning them.
	Blocking bool
	// Channel labels metrics; defaults to the base name of Path.
	Channel string
	Logger  zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Path:          "/var/run/ictrl.sock",
		Backlog:       5,
		MaxFrameSize:  frame.DefaultMaxFrameSize,
		QueueDepth:    64,
		AcceptBackoff: time.Second,
		Blocking:      true,
		Logger:        zerolog.Nop(),
	}
}

func (c Config) Validate() error {
	path := strings.TrimSpace(c.Path)
	if path == "" {
		return ErrPathRequired
	}
	if len(path) > maxPathLen {
		return fmt.Errorf("%w: %s", ErrPathTooLong, path)
	}
	if c.MaxFrameSize != 0 && (c.MaxFrameSize < frame.HeaderLen || c.MaxFrameSize > frame.MaxAllocSize) {
		return fmt.Errorf("%w: %d", ErrInvalidFrameSize, c.MaxFrameSize)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQueueDepth, c.QueueDepth)
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	c.Path = strings.TrimSpace(c.Path)
	if c.Backlog <= 0 {
		c.Backlog = def.Backlog
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = def.QueueDepth
	}
	if c.AcceptBackoff <= 0 {
		c.AcceptBackoff = def.AcceptBackoff
	}
	if c.Channel == "" {
		c.Channel = channelName(c.Path)
	}
	return c
}

func channelName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	path = strings.TrimSuffix(path, ".sock")
	if path == "" {
		return "control"
	}
	return path
}

func (c Config) codec() frame.Codec {
	return frame.Codec{MaxFrameSize: c.MaxFrameSize}
}
