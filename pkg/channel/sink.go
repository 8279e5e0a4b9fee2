// Package channel provides a tagged, sealable sending end of a shared channel.
package channel

import (
	"errors"
	"sync/atomic"
)

var ErrSinkSealed = errors.New("sink is sealed")

// A message together with the identity of whoever sent it.
type Message[S comparable, M any] struct {
	Sender  S
	Content M
}

// Sending end of a channel that is shared by several producers. Every message sent through
// the sink is tagged with the same sender, so a producer (e.g. a peer connection that belongs
// to one call attempt) can't pretend to be another one.
//
// The underlying channel is never closed by the sink. Sealing only stops this producer.
type Sink[S comparable, M any] struct {
	sender S
	target chan<- Message[S, M]
	sealed chan struct{}
	closed atomic.Bool
}

// The sink does not own the target channel.
func NewSink[S comparable, M any](sender S, target chan<- Message[S, M]) *Sink[S, M] {
	return &Sink[S, M]{
		sender: sender,
		target: target,
		sealed: make(chan struct{}),
	}
}

func (s *Sink[S, M]) Sender() S {
	return s.sender
}

// Sends a message, blocking while the target is full. Returns `ErrSinkSealed` if the sink
// was sealed before or while waiting.
func (s *Sink[S, M]) Send(content M) error {
	if s.closed.Load() {
		return ErrSinkSealed
	}

	select {
	case <-s.sealed:
		return ErrSinkSealed
	case s.target <- Message[S, M]{Sender: s.sender, Content: content}:
		return nil
	}
}

// Unblocks pending senders and rejects all subsequent sends. A sender that was already
// racing with `Seal` may still get its message through.
func (s *Sink[S, M]) Seal() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.sealed)
	}
}

func (s *Sink[S, M]) Sealed() bool {
	return s.closed.Load()
}
