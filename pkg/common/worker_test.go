package common_test

import (
	"sync"
	"testing"
	"time"

	"github.com/heartsync/callsig/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRunsTasksInOrder(t *testing.T) {
	var (
		mutex sync.Mutex
		seen  []int
	)

	worker := common.StartWorker(common.WorkerConfig[int]{
		ChannelSize: 8,
		OnTask: func(task int) {
			mutex.Lock()
			defer mutex.Unlock()
			seen = append(seen, task)
		},
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, worker.Send(i))
	}
	worker.Stop()

	select {
	case <-worker.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestWorkerRejectsWhenClosed(t *testing.T) {
	worker := common.StartWorker(common.WorkerConfig[int]{ChannelSize: 1, OnTask: func(int) {}})
	worker.Stop()
	worker.Stop()

	assert.ErrorIs(t, worker.Send(1), common.ErrWorkerClosed)
}

func TestWorkerRejectsWhenBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	worker := common.StartWorker(common.WorkerConfig[int]{
		ChannelSize: 1,
		OnTask: func(int) {
			started <- struct{}{}
			<-release
		},
	})
	defer worker.Stop()
	defer close(release)

	require.NoError(t, worker.Send(1))
	<-started
	require.NoError(t, worker.Send(2))
	assert.ErrorIs(t, worker.Send(3), common.ErrWorkerTooBusy)
}

func TestWorkerTimeout(t *testing.T) {
	fired := make(chan struct{}, 1)

	worker := common.StartWorker(common.WorkerConfig[int]{
		Timeout: 20 * time.Millisecond,
		OnTimeout: func() {
			select {
			case fired <- struct{}{}:
			default:
			}
		},
		OnTask: func(int) {},
	})
	defer worker.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout was not reported")
	}
}

func BenchmarkWorkerSend(b *testing.B) {
	worker := common.StartWorker(common.WorkerConfig[struct{}]{
		ChannelSize: 1024,
		OnTask:      func(struct{}) {},
	})

	for n := 0; n < b.N; n++ {
		_ = worker.Send(struct{}{})
	}

	worker.Stop()
}
