package es

import (
	"context"
	"log/slog"
	"time"
)

// MsgCtx is what a subscription hands to its handlers for every event.
type MsgCtx struct {
	ctx          context.Context
	log          *slog.Logger
	env          Envelope
	subscription string
	redelivered  bool
}

func NewMsgCtx(ctx context.Context, log *slog.Logger, subscription string, env Envelope) MsgCtx {
	return MsgCtx{ctx: ctx, log: log, env: env, subscription: subscription}
}

func (m MsgCtx) Context() context.Context { return m.ctx }
func (m MsgCtx) Log() *slog.Logger        { return m.log }
func (m MsgCtx) Envelope() Envelope       { return m.env }
func (m MsgCtx) Event() any               { return m.env.Data }
func (m MsgCtx) Type() string             { return m.env.Type }
func (m MsgCtx) StreamID() string         { return m.env.StreamID }
func (m MsgCtx) Revision() Revision       { return m.env.Revision }
func (m MsgCtx) Position() uint64         { return m.env.Position }
func (m MsgCtx) Subscription() string     { return m.subscription }

// Redelivered is set when the subscription handed this event out before,
// i.e. it resumed from an older checkpoint after a fault.
func (m MsgCtx) Redelivered() bool { return m.redelivered }

func (m MsgCtx) withRedelivered(r bool) MsgCtx {
	m.redelivered = r
	return m
}

// Handler processes one event of a subscription. A returned error faults
// the subscription and the event is delivered again.
type Handler interface {
	Handle(m MsgCtx) error
}

type HandleFunc func(m MsgCtx) error

func (f HandleFunc) Handle(m MsgCtx) error { return f(m) }

// HandlerMiddleware wraps a handler. The first middleware of a chain is
// the outermost.
type HandlerMiddleware func(next Handler) Handler

// MiddlewareHandle turns fn into a middleware; fn decides whether and how
// to call next.
func MiddlewareHandle(fn func(m MsgCtx, next Handler) error) HandlerMiddleware {
	return func(next Handler) Handler {
		return HandleFunc(func(m MsgCtx) error { return fn(m, next) })
	}
}

func chain(h Handler, mws []HandlerMiddleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// NewLogMiddleware logs every handled event with its subscription,
// position and outcome. Failures are logged at error level, the rest at
// debug.
func NewLogMiddleware(attrs ...any) HandlerMiddleware {
	return MiddlewareHandle(func(m MsgCtx, next Handler) error {
		start := time.Now()
		err := next.Handle(m)

		log := m.Log().With(attrs...).With(
			slog.String("subscription", m.Subscription()),
			slog.Uint64("position", m.Position()),
			slog.Duration("duration", time.Since(start)),
		)
		if m.Redelivered() {
			log = log.With(slog.Bool("redelivered", true))
		}
		if err != nil {
			log.Error("handler failed", slog.Any("error", err))
			return err
		}
		log.Debug("handled")
		return nil
	})
}

// OnlyTypes skips events whose type is not listed.
func OnlyTypes(types ...string) HandlerMiddleware {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return MiddlewareHandle(func(m MsgCtx, next Handler) error {
		if _, ok := allowed[m.Type()]; !ok {
			return nil
		}
		return next.Handle(m)
	})
}
