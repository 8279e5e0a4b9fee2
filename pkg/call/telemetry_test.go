package call_test

import (
	"context"
	"testing"

	"github.com/heartsync/callsig/pkg/call"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestAttemptSpanRecordsFinalState(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	alice := newParty(t, newStore(t), "alice", "bob")
	require.NoError(t, alice.StartCall(context.Background()))
	attemptID := alice.Snapshot().AttemptID
	alice.EndCall(context.Background())

	var found bool
	for _, span := range recorder.Ended() {
		attributes := span.Attributes()
		if span.Name() != "call attempt" || !contains(attributes, attribute.String("attempt_id", attemptID)) {
			continue
		}
		found = true
		assert.Contains(t, attributes, attribute.String("final_state", string(call.StateEnded)))
		assert.Contains(t, attributes, attribute.String("role", string(call.RoleCaller)))
	}
	assert.True(t, found, "attempt span was not ended")
}

func contains(attributes []attribute.KeyValue, expected attribute.KeyValue) bool {
	for _, kv := range attributes {
		if kv == expected {
			return true
		}
	}
	return false
}
