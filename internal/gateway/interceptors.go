package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haven/support-chat/internal/apperr"
	"github.com/haven/support-chat/internal/logging"
	"github.com/haven/support-chat/internal/metrics"
	"github.com/haven/support-chat/internal/participant"
	"github.com/haven/support-chat/internal/ratelimit"
)

// Handler processes one decoded client event. A returned error is reported
// to the originating connection only.
type Handler func(ctx context.Context, c Client, msg interface{}) error

// Interceptor wraps a Handler. It either rejects the event by returning an
// error or calls next.
type Interceptor func(next Handler) Handler

// Chain wraps h so that the first interceptor runs first.
func Chain(h Handler, interceptors ...Interceptor) Handler {
	for i := len(interceptors) - 1; i >= 0; i-- {
		h = interceptors[i](h)
	}
	return h
}

type ctxKey int

const (
	eventKey ctxKey = iota
	participantKey
)

func withEvent(ctx context.Context, event string) context.Context {
	return context.WithValue(ctx, eventKey, event)
}

// EventFrom returns the event type being handled.
func EventFrom(ctx context.Context) string {
	e, _ := ctx.Value(eventKey).(string)
	return e
}

// ParticipantFrom returns the participant loaded by Identify.
func ParticipantFrom(ctx context.Context) *participant.Participant {
	p, _ := ctx.Value(participantKey).(*participant.Participant)
	return p
}

// Recover turns a panic in the handler into an Unavailable error.
func Recover() Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, c Client, msg interface{}) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log := logging.Ctx(ctx)
					log.Error().
						Str("panic", fmt.Sprint(r)).
						Msg("handler panicked")
					err = apperr.E(apperr.Unavailable, "internal error")
				}
			}()
			return next(ctx, c, msg)
		}
	}
}

// Logging records each event's outcome and latency.
func Logging() Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, c Client, msg interface{}) error {
			start := time.Now()
			err := next(ctx, c, msg)

			log := logging.Ctx(ctx)
			latency := float64(time.Since(start).Microseconds()) / 1000
			if err == nil {
				log.Debug().Float64(logging.FieldLatency, latency).Msg("event handled")
				return nil
			}

			kind := apperr.KindOf(err)
			ev := log.Debug()
			if kind == apperr.Unavailable {
				ev = log.Error()
			}
			ev.Err(err).
				Str(logging.FieldErrorKind, string(kind)).
				Float64(logging.FieldLatency, latency).
				Msg("event rejected")
			return err
		}
	}
}

// Instrument records Prometheus event counters and latency.
func Instrument() Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, c Client, msg interface{}) error {
			event := EventFrom(ctx)
			start := time.Now()
			err := next(ctx, c, msg)
			metrics.EventLatency.WithLabelValues(event).Observe(time.Since(start).Seconds())

			outcome := "ok"
			if err != nil {
				outcome = string(apperr.KindOf(err))
			}
			metrics.Events.WithLabelValues(event, outcome).Inc()
			return err
		}
	}
}

// Identify loads the connection's participant into the context. A participant
// that disappeared or was deactivated after connecting is Unauthorized.
func Identify(directory participant.Directory) Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, c Client, msg interface{}) error {
			p, err := directory.FindByID(ctx, c.ParticipantID())
			if errors.Is(err, participant.ErrNotFound) {
				return apperr.E(apperr.Unauthorized, "unknown participant")
			}
			if err != nil {
				return apperr.Wrap(apperr.Unavailable, err, "participant lookup failed")
			}
			if !p.Active {
				return apperr.E(apperr.Unauthorized, "participant is not active")
			}
			return next(context.WithValue(ctx, participantKey, p), c, msg)
		}
	}
}

// Limiter is the rate limiting backend.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// RateLimit rejects events beyond rule for the connection's participant. A nil
// limiter allows everything.
func RateLimit(l Limiter, rule ratelimit.Rule) Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, c Client, msg interface{}) error {
			if l != nil {
				if ok, _ := l.Allow(ctx, c.ParticipantID(), rule); !ok {
					return apperr.E(apperr.RateLimited, "too many requests, slow down")
				}
			}
			return next(ctx, c, msg)
		}
	}
}

// RequireRole rejects participants without role. It must run after Identify.
func RequireRole(role string) Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, c Client, msg interface{}) error {
			p := ParticipantFrom(ctx)
			if p == nil || !p.HasRole(role) {
				return apperr.Errorf(apperr.Forbidden, "requires the %s role", role)
			}
			return next(ctx, c, msg)
		}
	}
}

// Quiet swallows every error from next. Used for best-effort events.
func Quiet() Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, c Client, msg interface{}) error {
			if err := next(ctx, c, msg); err != nil {
				log := logging.Ctx(ctx)
				log.Debug().Err(err).Msg("best-effort event dropped")
			}
			return nil
		}
	}
}
