package errorhandler

import (
	"context"

	"github.com/hugolhafner/go-pubsub/kafka"
)

// ErrorPhase indicates where handling a record failed
type ErrorPhase int

const (
	PhaseUnknown ErrorPhase = iota // no error
	PhaseDecode                    // the key or value could not be deserialized
	PhaseHandle                    // the record handler returned an error
)

func (p ErrorPhase) String() string {
	switch p {
	case PhaseDecode:
		return "decode"
	case PhaseHandle:
		return "handle"
	default:
		return "unknown"
	}
}

// PhaseOf classifies err: serialization errors are decode failures, anything
// else a handler failure.
func PhaseOf(err error) ErrorPhase {
	if err == nil {
		return PhaseUnknown
	}
	if _, ok := kafka.AsSerializationError(err); ok {
		return PhaseDecode
	}
	return PhaseHandle
}

var _ Handler = (*PhaseRouter)(nil)

type PhaseRouter struct {
	handler       Handler
	decodeHandler Handler
	handleHandler Handler
}

// NewPhaseRouter routes each error to the handler for its phase. Nil phase
// handlers fall back to handler, and a nil handler to SilentFail.
func NewPhaseRouter(handler Handler, decodeHandler Handler, handleHandler Handler) *PhaseRouter {
	if handler == nil {
		handler = SilentFail()
	}

	return &PhaseRouter{
		handler:       handler,
		decodeHandler: decodeHandler,
		handleHandler: handleHandler,
	}
}

func (r *PhaseRouter) Handle(ctx context.Context, ec ErrorContext) Action {
	switch ec.Phase {
	case PhaseDecode:
		if r.decodeHandler != nil {
			return r.decodeHandler.Handle(ctx, ec)
		}
	case PhaseHandle:
		if r.handleHandler != nil {
			return r.handleHandler.Handle(ctx, ec)
		}
	default:
	}

	return r.handler.Handle(ctx, ec)
}
