package call

import (
	"context"
	"fmt"

	"github.com/heartsync/callsig/pkg/session"
)

// Starts watching the conversation for incoming calls addressed to the local participant.
// Calling it again while listening is a no-op. The subscription lives until `Close`.
func (c *Coordinator) Listen(ctx context.Context) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrClosed
	}
	if c.listener != nil {
		c.mutex.Unlock()
		return nil
	}
	c.mutex.Unlock()

	sub, err := c.store.SubscribeSession(ctx, c.config.ConversationID, c.onListenedSession)
	if err != nil {
		return newError(KindSessionWriteFailed, "listen", fmt.Errorf("failed to subscribe to the session: %w", err))
	}

	c.mutex.Lock()
	if c.closed || c.listener != nil {
		c.mutex.Unlock()
		sub.Unsubscribe()
		return nil
	}
	c.listener = sub
	c.mutex.Unlock()

	c.logger.Info("listening for incoming calls")
	return nil
}

func (c *Coordinator) onListenedSession(doc *session.CallSession) {
	if doc == nil {
		return
	}

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}

	// The attempts of an ongoing call watch the document themselves, except for a pending
	// incoming call that has not been accepted yet.
	if a := c.current; a != nil {
		cancelled := c.state == StateIncoming &&
			doc.AttemptID == a.id &&
			doc.Status == session.StatusEnded &&
			!a.accepting
		if cancelled {
			c.detach(StateIdle)
			c.notify()
		}
		c.mutex.Unlock()

		if cancelled {
			a.logger.Info("incoming call was cancelled by the caller")
			a.release()
		}
		return
	}
	defer c.mutex.Unlock()

	incoming := doc.Status == session.StatusRinging &&
		doc.Offer != nil &&
		doc.CalleeID == c.config.LocalID &&
		doc.CallerID != c.config.LocalID &&
		doc.AttemptID != "" &&
		doc.AttemptID != c.lastIncoming
	if !incoming {
		return
	}

	kind := doc.MediaKind
	if !kind.Valid() {
		kind = c.config.MediaKind
	}

	a := c.newAttempt(doc.AttemptID, RoleCallee, kind)
	c.current = a
	c.attemptID = a.id
	c.lastIncoming = a.id
	c.lastError = nil
	c.setState(StateIncoming)
	c.notify()

	c.armRingTimer(a)
	a.logger.WithField("caller_id", doc.CallerID).Info("incoming call")
}
