package kafka

import (
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
)

var (
	// ErrConnectionLost fails every request outstanding on a connection that broke mid-flight.
	ErrConnectionLost = errors.New("kafka: connection lost")
	ErrQueueFull      = errors.New("kafka: producer queue full")
	ErrClosed         = errors.New("kafka: client closed")
	ErrNoOffset       = errors.New("kafka: no committed offset and auto offset reset is none")
	ErrNotAssigned    = errors.New("kafka: partition is not assigned")
)

// ConnectionError reports a broker that stayed unreachable after all dial attempts.
type ConnectionError struct {
	BrokerID int32
	Addr     string
	Cause    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("kafka: unable to connect to broker %d at %s: %v", e.BrokerID, e.Addr, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

func NewConnectionError(brokerID int32, addr string, cause error) error {
	return &ConnectionError{BrokerID: brokerID, Addr: addr, Cause: cause}
}

func AsConnectionError(err error) (*ConnectionError, bool) {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// StaleMetadataError means a request was routed to a broker that no longer leads the partition.
type StaleMetadataError struct {
	Topic     string
	Partition int32
	Cause     error
}

func (e *StaleMetadataError) Error() string {
	return fmt.Sprintf("kafka: stale metadata for %s-%d: %v", e.Topic, e.Partition, e.Cause)
}

func (e *StaleMetadataError) Unwrap() error {
	return e.Cause
}

func NewStaleMetadataError(topic string, partition int32, cause error) error {
	return &StaleMetadataError{Topic: topic, Partition: partition, Cause: cause}
}

func AsStaleMetadataError(err error) (*StaleMetadataError, bool) {
	var se *StaleMetadataError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// SerializationError wraps errors that occur during key/value serialization.
// It is never retried.
type SerializationError struct {
	Cause error
}

func (e *SerializationError) Error() string {
	return "kafka: serialization failed: " + e.Cause.Error()
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

func NewSerializationError(cause error) error {
	return &SerializationError{Cause: cause}
}

func AsSerializationError(err error) (*SerializationError, bool) {
	var se *SerializationError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CommitFailedError is an offset commit rejected by the coordinator, usually because
// the group rebalanced and this member's generation is gone.
type CommitFailedError struct {
	Cause error
}

func (e *CommitFailedError) Error() string {
	return "kafka: commit failed: " + e.Cause.Error()
}

func (e *CommitFailedError) Unwrap() error {
	return e.Cause
}

func NewCommitFailedError(cause error) error {
	return &CommitFailedError{Cause: cause}
}

func AsCommitFailedError(err error) (*CommitFailedError, bool) {
	var ce *CommitFailedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// RebalanceInProgressError is transient: the operation can be retried once the member rejoined.
type RebalanceInProgressError struct {
	Cause error
}

func (e *RebalanceInProgressError) Error() string {
	return "kafka: rebalance in progress: " + e.Cause.Error()
}

func (e *RebalanceInProgressError) Unwrap() error {
	return e.Cause
}

func NewRebalanceInProgressError(cause error) error {
	return &RebalanceInProgressError{Cause: cause}
}

func AsRebalanceInProgressError(err error) (*RebalanceInProgressError, bool) {
	var re *RebalanceInProgressError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ErrorForCode converts a protocol error code to its kerr error, nil for 0.
func ErrorForCode(code int16) error {
	return kerr.ErrorForCode(code)
}

// IsRetriable reports whether err is transient: connection trouble, stale routing,
// an in-progress rebalance or a broker error code flagged retriable.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) {
		return true
	}
	if _, ok := AsConnectionError(err); ok {
		return true
	}
	if _, ok := AsStaleMetadataError(err); ok {
		return true
	}
	if _, ok := AsRebalanceInProgressError(err); ok {
		return true
	}
	return kerr.IsRetriable(err)
}

// IsStaleLeader reports whether err signals that cached partition leadership is outdated.
func IsStaleLeader(err error) bool {
	if _, ok := AsStaleMetadataError(err); ok {
		return true
	}
	return errors.Is(err, kerr.NotLeaderForPartition) ||
		errors.Is(err, kerr.LeaderNotAvailable) ||
		errors.Is(err, kerr.UnknownTopicOrPartition) ||
		errors.Is(err, kerr.FencedLeaderEpoch) ||
		errors.Is(err, kerr.UnknownLeaderEpoch) ||
		errors.Is(err, kerr.ReplicaNotAvailable) ||
		errors.Is(err, kerr.BrokerNotAvailable)
}
