package errorhandler

import (
	"github.com/hugolhafner/go-pubsub/kafka"
)

// ErrorContext is what a Handler knows about a failed record.
type ErrorContext struct {
	// Record is a copy of the record that failed.
	Record kafka.ConsumerRecord

	Error error

	// Attempt is current attempt number, 1 indexed.
	Attempt int

	// GroupID is the consumer group of the loop, empty for assigned consumers.
	GroupID string

	Phase ErrorPhase
}

func NewErrorContext(record kafka.ConsumerRecord, err error) ErrorContext {
	return ErrorContext{
		Record:  record.Copy(),
		Error:   err,
		Attempt: 1,
		Phase:   PhaseOf(err),
	}
}

// WithError also reclassifies the phase.
func (ec ErrorContext) WithError(err error) ErrorContext {
	ec.Error = err
	ec.Phase = PhaseOf(err)
	return ec
}

func (ec ErrorContext) WithAttempt(attempt int) ErrorContext {
	ec.Attempt = attempt
	return ec
}

func (ec ErrorContext) WithGroupID(id string) ErrorContext {
	ec.GroupID = id
	return ec
}

func (ec ErrorContext) WithPhase(phase ErrorPhase) ErrorContext {
	ec.Phase = phase
	return ec
}

func (ec ErrorContext) IncrementAttempt() ErrorContext {
	ec.Attempt++
	return ec
}
