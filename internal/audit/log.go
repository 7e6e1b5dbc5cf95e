package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Notify(_ context.Context, e Event) error {
	ev := s.logger.Info().
		Str("op", string(e.Operation)).
		Str("resource_type", string(e.ResourceType)).
		Time("at", e.Timestamp)
	if e.ID != "" {
		ev = ev.Str("id", e.ID)
	}
	if e.Version > 0 {
		ev = ev.Int("version", e.Version)
	}
	actor := e.Actor
	if actor == "" {
		actor = "anonymous"
	}
	ev.Str("actor", actor).Msg("audit")
	return nil
}
