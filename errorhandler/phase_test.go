//go:build unit

package errorhandler_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hugolhafner/go-pubsub/errorhandler"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/stretchr/testify/require"
)

func TestErrorPhase_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		phase    errorhandler.ErrorPhase
		expected string
	}{
		{errorhandler.PhaseUnknown, "unknown"},
		{errorhandler.PhaseDecode, "decode"},
		{errorhandler.PhaseHandle, "handle"},
		{errorhandler.ErrorPhase(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(
			fmt.Sprint(int(tt.phase)), func(t *testing.T) {
				t.Parallel()
				require.Equal(t, tt.expected, tt.phase.String())
			},
		)
	}
}

func TestPhaseOf(t *testing.T) {
	t.Parallel()
	require.Equal(t, errorhandler.PhaseUnknown, errorhandler.PhaseOf(nil))
	require.Equal(t, errorhandler.PhaseHandle, errorhandler.PhaseOf(errors.New("boom")))
	require.Equal(
		t, errorhandler.PhaseDecode,
		errorhandler.PhaseOf(fmt.Errorf("value: %w", kafka.NewSerializationError(errors.New("bad")))),
	)
}

// actionHandler returns a handler that always returns the given action.
func actionHandler(a errorhandler.Action) errorhandler.Handler {
	return errorhandler.HandlerFunc(
		func(_ context.Context, _ errorhandler.ErrorContext) errorhandler.Action {
			return a
		},
	)
}

func ecWithPhase(phase errorhandler.ErrorPhase) errorhandler.ErrorContext {
	return errorhandler.NewErrorContext(kafka.ConsumerRecord{}, nil).WithPhase(phase)
}

func TestPhaseRouter_RoutesToDecodeHandler(t *testing.T) {
	t.Parallel()
	router := errorhandler.NewPhaseRouter(
		actionHandler(errorhandler.ActionFail{}),
		actionHandler(errorhandler.ActionContinue{}), // decode
		nil,
	)

	action := router.Handle(context.Background(), ecWithPhase(errorhandler.PhaseDecode))
	require.IsType(t, errorhandler.ActionContinue{}, action)
}

func TestPhaseRouter_RoutesToHandleHandler(t *testing.T) {
	t.Parallel()
	router := errorhandler.NewPhaseRouter(
		actionHandler(errorhandler.ActionFail{}),
		nil,
		actionHandler(errorhandler.ActionRetry{}), // handle
	)

	action := router.Handle(context.Background(), ecWithPhase(errorhandler.PhaseHandle))
	require.IsType(t, errorhandler.ActionRetry{}, action)
}

func TestPhaseRouter_FallsBackToDefaultHandler(t *testing.T) {
	t.Parallel()
	router := errorhandler.NewPhaseRouter(actionHandler(errorhandler.ActionRetry{}), nil, nil)

	for _, phase := range []errorhandler.ErrorPhase{
		errorhandler.PhaseUnknown,
		errorhandler.PhaseDecode,
		errorhandler.PhaseHandle,
		errorhandler.ErrorPhase(42),
	} {
		action := router.Handle(context.Background(), ecWithPhase(phase))
		require.IsType(t, errorhandler.ActionRetry{}, action, "phase %d", phase)
	}
}

func TestPhaseRouter_NilDefaultUsesSilentFail(t *testing.T) {
	t.Parallel()
	router := errorhandler.NewPhaseRouter(nil, nil, nil)

	action := router.Handle(context.Background(), ecWithPhase(errorhandler.PhaseHandle))
	require.IsType(t, errorhandler.ActionFail{}, action)
}

func TestPhaseRouter_PassesErrorContextToHandler(t *testing.T) {
	t.Parallel()
	var captured errorhandler.ErrorContext
	captureHandler := errorhandler.HandlerFunc(
		func(_ context.Context, ec errorhandler.ErrorContext) errorhandler.Action {
			captured = ec
			return errorhandler.ActionContinue{}
		},
	)

	router := errorhandler.NewPhaseRouter(actionHandler(errorhandler.ActionFail{}), captureHandler, nil)

	ec := errorhandler.NewErrorContext(
		kafka.ConsumerRecord{Topic: "test-topic", Partition: 3, Offset: 42},
		kafka.NewSerializationError(errors.New("bad json")),
	).WithGroupID("billing")

	router.Handle(context.Background(), ec)

	require.Equal(t, "test-topic", captured.Record.Topic)
	require.Equal(t, int32(3), captured.Record.Partition)
	require.Equal(t, int64(42), captured.Record.Offset)
	require.Equal(t, "billing", captured.GroupID)
	require.Equal(t, errorhandler.PhaseDecode, captured.Phase)
}
