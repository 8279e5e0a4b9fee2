package call

import "github.com/heartsync/callsig/pkg/media"

const watchBuffer = 16

// Read-only view of the call for the UI driver.
type Snapshot struct {
	State     State
	AttemptID string
	// Nil unless local media has been acquired for the current attempt.
	LocalStream *media.LocalStream
	// Nil until the first remote track arrives.
	RemoteStream *media.RemoteStream
	LastError    error
	AudioMuted   bool
	VideoMuted   bool
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.snapshotLocked()
}

// Streams the snapshot after every change, starting with the current one. A slow reader
// only misses intermediate snapshots, never the latest one. The returned function stops
// the stream and closes the channel.
func (c *Coordinator) Watch() (<-chan Snapshot, func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	id := c.nextWatcher
	c.nextWatcher++

	watcher := make(chan Snapshot, watchBuffer)
	watcher <- c.snapshotLocked()

	if c.closed {
		close(watcher)
		return watcher, func() {}
	}
	c.watchers[id] = watcher

	return watcher, func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()

		if watcher, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(watcher)
		}
	}
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{
		State:        c.state,
		AttemptID:    c.attemptID,
		LocalStream:  c.localStream,
		RemoteStream: c.remoteStream,
		LastError:    c.lastError,
		AudioMuted:   c.audioMuted,
		VideoMuted:   c.videoMuted,
	}
}

// Must be called with the mutex held.
func (c *Coordinator) notify() {
	snapshot := c.snapshotLocked()

	for _, watcher := range c.watchers {
		select {
		case watcher <- snapshot:
			continue
		default:
		}

		// Drop the oldest snapshot to make room for the latest one.
		select {
		case <-watcher:
		default:
		}
		select {
		case watcher <- snapshot:
		default:
		}
	}
}
