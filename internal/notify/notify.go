// Package notify relays progress messages to users. Delivery is best effort:
// a failed send is logged, never returned to the caller.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

type Sink interface {
	Notify(ctx context.Context, recipient, message string)
}

// LogSink only logs. Used when no chat transport is configured.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Notify(_ context.Context, recipient, message string) {
	s.Logger.Info().Str("recipient", recipient).Str("message", message).Msg("notification")
}

// Multi fans a message out to every sink in order.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, recipient, message string) {
	for _, s := range m {
		if s != nil {
			s.Notify(ctx, recipient, message)
		}
	}
}

// guard keeps a misbehaving transport from taking the caller down.
func guard(l zerolog.Logger, transport string) {
	if p := recover(); p != nil {
		l.Error().Str("transport", transport).Interface("panic", p).Msg("notification panic recovered")
	}
}
