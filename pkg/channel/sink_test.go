package channel_test

import (
	"testing"
	"time"

	"github.com/heartsync/callsig/pkg/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkTagsSender(t *testing.T) {
	target := make(chan channel.Message[string, int], 2)
	first := channel.NewSink("first", target)
	second := channel.NewSink("second", target)

	require.NoError(t, first.Send(1))
	require.NoError(t, second.Send(2))

	assert.Equal(t, channel.Message[string, int]{Sender: "first", Content: 1}, <-target)
	assert.Equal(t, channel.Message[string, int]{Sender: "second", Content: 2}, <-target)
}

func TestSealUnblocksSender(t *testing.T) {
	target := make(chan channel.Message[string, int])
	sink := channel.NewSink("peer", target)

	result := make(chan error)
	go func() { result <- sink.Send(1) }()

	time.Sleep(10 * time.Millisecond)
	sink.Seal()
	sink.Seal()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, channel.ErrSinkSealed)
	case <-time.After(time.Second):
		t.Fatal("sender was not unblocked")
	}

	assert.True(t, sink.Sealed())
	assert.ErrorIs(t, sink.Send(2), channel.ErrSinkSealed)
}
