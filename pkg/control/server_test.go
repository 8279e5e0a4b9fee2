package control_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/heartsync/callsig/pkg/call"
	"github.com/heartsync/callsig/pkg/control"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCall struct {
	mutex    sync.Mutex
	ops      []string
	snapshot call.Snapshot
	err      error
	updates  chan call.Snapshot
}

func newFakeCall() *fakeCall {
	return &fakeCall{
		snapshot: call.Snapshot{State: call.StateIdle},
		updates:  make(chan call.Snapshot, 8),
	}
}

func (f *fakeCall) record(op string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeCall) recorded() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeCall) Snapshot() call.Snapshot {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.snapshot
}

func (f *fakeCall) Watch() (<-chan call.Snapshot, func()) {
	f.updates <- f.Snapshot()
	var once sync.Once
	return f.updates, func() { once.Do(func() { close(f.updates) }) }
}

func (f *fakeCall) StartCall(context.Context) error {
	f.record("start")
	return f.err
}

func (f *fakeCall) AcceptCall(context.Context) error {
	f.record("accept")
	return f.err
}

func (f *fakeCall) DeclineCall(context.Context) { f.record("decline") }

func (f *fakeCall) EndCall(context.Context) { f.record("end") }

func (f *fakeCall) SetMutedAudio(muted bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.ops = append(f.ops, "mute_audio")
	f.snapshot.AudioMuted = muted
}

func (f *fakeCall) SetMutedVideo(muted bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.ops = append(f.ops, "mute_video")
	f.snapshot.VideoMuted = muted
}

func newServer(t *testing.T, fake *fakeCall) *httptest.Server {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	server := httptest.NewServer(control.NewServer(fake, prometheus.NewRegistry(), logrus.NewEntry(logger)).Handler())
	t.Cleanup(server.Close)
	return server
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var value T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&value))
	return value
}

func TestGetCall(t *testing.T) {
	server := newServer(t, newFakeCall())

	resp, err := http.Get(server.URL + "/call")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	view := decode[control.SnapshotView](t, resp)
	assert.Equal(t, "idle", view.State)
	assert.Nil(t, view.Error)
	assert.Empty(t, view.LocalTracks)
}

func TestOperations(t *testing.T) {
	fake := newFakeCall()
	server := newServer(t, fake)

	for _, op := range []string{"start", "accept", "decline", "end"} {
		resp, err := http.Post(server.URL+"/call/"+op, "application/json", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, op)
		resp.Body.Close()
	}
	assert.Equal(t, []string{"start", "accept", "decline", "end"}, fake.recorded())

	resp, err := http.Post(server.URL+"/call/dance", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOperationFailure(t *testing.T) {
	fake := newFakeCall()
	fake.err = &call.Error{Kind: call.KindPreconditionMissing, Op: "start call", Err: call.ErrCallActive}
	server := newServer(t, fake)

	resp, err := http.Post(server.URL+"/call/start", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	view := decode[control.ErrorView](t, resp)
	assert.Equal(t, "PreconditionMissing", view.Kind)
	assert.Contains(t, view.Message, "already in progress")
}

func TestMute(t *testing.T) {
	fake := newFakeCall()
	server := newServer(t, fake)

	resp, err := http.Post(server.URL+"/call/mute", "application/json", strings.NewReader(`{"video":true}`))
	require.NoError(t, err)
	view := decode[control.SnapshotView](t, resp)
	assert.True(t, view.VideoMuted)
	assert.False(t, view.AudioMuted)
	assert.Equal(t, []string{"mute_video"}, fake.recorded())

	resp, err = http.Post(server.URL+"/call/mute", "application/json", strings.NewReader(`nope`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	server := newServer(t, newFakeCall())

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocket(t *testing.T) {
	fake := newFakeCall()
	fake.err = &call.Error{Kind: call.KindCaptureDenied, Op: "start call"}
	server := newServer(t, fake)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/call/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var event control.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "snapshot", event.Type)
	require.NotNil(t, event.Snapshot)
	assert.Equal(t, "idle", event.Snapshot.State)

	require.NoError(t, conn.WriteJSON(control.Command{Op: "mute_audio", Muted: true}))
	require.NoError(t, conn.WriteJSON(control.Command{Op: "start"}))

	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "error", event.Type)
	assert.Equal(t, "start", event.Op)
	require.NotNil(t, event.Error)
	assert.Equal(t, "CaptureDenied", event.Error.Kind)

	fake.updates <- call.Snapshot{State: call.StateOutgoing, AttemptID: "a1"}
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "snapshot", event.Type)
	assert.Equal(t, "outgoing", event.Snapshot.State)

	assert.Equal(t, []string{"mute_audio", "start"}, fake.recorded())
}
