package main

import (
	"github.com/danmuck/ictrl/internal/protocol/frame"
	"github.com/danmuck/ictrl/internal/protocol/session"
	"github.com/rs/zerolog"
)

const (
	typeRequest uint16 = 123
	typeReply   uint16 = 456
)

// testProc answers a request with an empty reply and ignores everything
// else.
func testProc(logger zerolog.Logger) session.Handler {
	return session.HandlerFunc(func(s *session.Session, f *frame.Buffer) {
		defer f.Release()

		h, err := f.Header()
		if err != nil {
			return
		}
		logger.Debug().
			Uint32("session", s.ID()).
			Uint16("type", h.Type).
			Int("size", f.Size()).
			Msg("frame")

		switch h.Type {
		case typeRequest:
			if err := s.Compose(typeReply, nil); err != nil {
				logger.Warn().Err(err).Uint32("session", s.ID()).Msg("reply not queued")
			}
		default:
		}
	})
}
