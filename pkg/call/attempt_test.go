package call

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttemptReleasesInReverseOrderOnce(t *testing.T) {
	var order []int
	a := &attempt{}

	assert.True(t, a.own(func() { order = append(order, 1) }))
	assert.True(t, a.own(func() { order = append(order, 2) }))

	a.release()
	a.release()
	assert.Equal(t, []int{2, 1}, order)

	// Late resources are released right away.
	assert.False(t, a.own(func() { order = append(order, 3) }))
	assert.Equal(t, []int{2, 1, 3}, order)
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("boom")
	err := newError(KindSessionWriteFailed, "start call", cause)

	assert.ErrorIs(t, err, ErrSessionWriteFailed)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "start call: SessionWriteFailed: boom", err.Error())

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindSessionWriteFailed, kind)

	_, ok = KindOf(cause)
	assert.False(t, ok)
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	config := Config{ConversationID: "chat", LocalID: "alice", RemoteID: "bob"}.WithDefaults()
	assert.NoError(t, config.Validate())
	assert.Equal(t, DefaultRingTimeout, config.RingTimeout)
	assert.Equal(t, "voice", string(config.MediaKind))

	invalid := []Config{
		{LocalID: "alice", RemoteID: "bob"},
		{ConversationID: "chat", RemoteID: "bob"},
		{ConversationID: "chat", LocalID: "alice"},
		{ConversationID: "chat", LocalID: "alice", RemoteID: "alice"},
		{ConversationID: "chat", LocalID: "alice", RemoteID: "bob", MediaKind: "hologram"},
		{ConversationID: "chat", LocalID: "alice", RemoteID: "bob", RingTimeout: -1},
	}
	for _, c := range invalid {
		assert.Error(t, c.WithDefaults().Validate(), "%+v", c)
	}
}
