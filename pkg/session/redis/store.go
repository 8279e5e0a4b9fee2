/*
Copyright 2024 The Heartsync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package redis implements the session store on top of Redis: session documents are
// JSON strings, changes are published over pub/sub and candidates live in a stream.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/heartsync/callsig/pkg/session"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// How many times an optimistic transaction is retried on a concurrent write.
	maxTxRetries = 16
	// How long a single XREAD blocks waiting for new candidates.
	readBlock = 500 * time.Millisecond
	// Back-off after a failed XREAD.
	readRetryInterval = 250 * time.Millisecond
	// Upper bound of candidates fetched by a single XREAD.
	readBatch = 64
)

// Errors raised by the append script. They are matched by their text.
const (
	scriptErrNotFound        = "session not found"
	scriptErrAttemptMismatch = "attempt mismatch"
)

// Appends a candidate to the stream and assigns it the next sequence number atomically.
// KEYS: attempt key, sequence key, stream key. ARGV: attempt id (may be empty), candidate JSON.
var appendCandidateScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return redis.error_reply('ERR ` + scriptErrNotFound + `')
end
if ARGV[1] ~= '' and current ~= ARGV[1] then
	return redis.error_reply('ERR ` + scriptErrAttemptMismatch + `')
end
local seq = redis.call('INCR', KEYS[2])
redis.call('XADD', KEYS[3], '*', 'seq', seq, 'data', ARGV[2])
return seq
`)

type Store struct {
	client *goredis.Client
	prefix string
	logger *logrus.Entry
}

var _ session.Store = (*Store)(nil)

// Connects to Redis and checks that the server is reachable.
func Connect(ctx context.Context, config Config) (*Store, error) {
	config = config.withDefaults()

	client := goredis.NewClient(&goredis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
		MaxRetries:  3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStore(client, config.KeyPrefix), nil
}

// Creates a store over an existing client. The store does not own the client.
func NewStore(client *goredis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}

	return &Store{
		client: client,
		prefix: keyPrefix,
		logger: logrus.WithFields(logrus.Fields{"store": "redis", "prefix": keyPrefix}),
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) GetSession(ctx context.Context, conversationID string) (*session.CallSession, error) {
	return s.read(ctx, s.client, conversationID)
}

func (s *Store) CreateSession(ctx context.Context, conversationID string, callSession session.CallSession) error {
	keys := s.keys(conversationID)

	return s.transaction(ctx, keys.document, func(tx *goredis.Tx) error {
		current, err := s.read(ctx, tx, conversationID)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return err
		}

		if current.Active() {
			return session.ErrSessionActive
		}

		created := callSession.Clone()
		created.ConversationID = conversationID
		if created.CreatedAt.IsZero() {
			created.CreatedAt = time.Now()
		}
		created.Revision = 1
		if current != nil {
			created.Revision = current.Revision + 1
		}

		data, err := json.Marshal(created)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, keys.document, data, 0)
			pipe.Set(ctx, keys.attempt, created.AttemptID, 0)
			pipe.Del(ctx, keys.candidates)
			pipe.Publish(ctx, keys.events, data)
			return nil
		})

		return err
	})
}

func (s *Store) UpdateSession(ctx context.Context, conversationID string, update session.Update) error {
	keys := s.keys(conversationID)

	return s.transaction(ctx, keys.document, func(tx *goredis.Tx) error {
		current, err := s.read(ctx, tx, conversationID)
		if err != nil {
			return err
		}

		updated, err := update.ApplyTo(current)
		if err != nil {
			return err
		}

		if updated.Revision == current.Revision {
			return nil
		}

		data, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, keys.document, data, 0)
			pipe.Publish(ctx, keys.events, data)
			return nil
		})

		return err
	})
}

func (s *Store) SubscribeSession(
	ctx context.Context,
	conversationID string,
	onChange func(*session.CallSession),
) (session.Subscription, error) {
	keys := s.keys(conversationID)
	logger := s.logger.WithField("conversation_id", conversationID)

	// Subscribe before reading the current document, so that no change is lost in between.
	pubsub := s.client.Subscribe(ctx, keys.events)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to session changes: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())

	go func() {
		var (
			delivered    bool
			lastRevision uint64
		)

		deliver := func(doc *session.CallSession) {
			if delivered && (doc == nil || doc.Revision <= lastRevision) {
				return
			}
			if subCtx.Err() != nil {
				return
			}

			delivered = true
			if doc != nil {
				lastRevision = doc.Revision
			}
			onChange(doc)
		}

		current, err := s.read(subCtx, s.client, conversationID)
		switch {
		case errors.Is(err, session.ErrNotFound):
			deliver(nil)
		case err != nil:
			logger.WithError(err).Warn("failed to read initial session snapshot")
		default:
			deliver(current)
		}

		messages := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}

				var doc session.CallSession
				if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
					logger.WithError(err).Error("failed to decode session change")
					continue
				}
				deliver(&doc)
			}
		}
	}()

	return unsubscribeOnce(func() {
		cancel()
		if err := pubsub.Close(); err != nil {
			logger.WithError(err).Debug("failed to close session subscription")
		}
	}), nil
}

func (s *Store) AppendCandidate(ctx context.Context, conversationID string, candidate session.IceCandidate) error {
	keys := s.keys(conversationID)

	if candidate.CreatedAt.IsZero() {
		candidate.CreatedAt = time.Now()
	}

	data, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}

	err = appendCandidateScript.Run(
		ctx,
		s.client,
		[]string{keys.attempt, keys.sequence, keys.candidates},
		candidate.AttemptID,
		string(data),
	).Err()

	switch {
	case err == nil:
		return nil
	case strings.Contains(err.Error(), scriptErrNotFound):
		return session.ErrNotFound
	case strings.Contains(err.Error(), scriptErrAttemptMismatch):
		return session.ErrAttemptMismatch
	default:
		return fmt.Errorf("failed to append candidate: %w", err)
	}
}

func (s *Store) SubscribeCandidates(
	ctx context.Context,
	conversationID string,
	onAppend func(session.IceCandidate),
) (session.Subscription, error) {
	keys := s.keys(conversationID)
	logger := s.logger.WithField("conversation_id", conversationID)

	// The backlog is read on the caller's context, so that an unreachable store fails the subscription.
	backlog, err := s.client.XRead(ctx, &goredis.XReadArgs{
		Streams: []string{keys.candidates, "0"},
		Count:   readBatch,
		Block:   -1,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to read candidates: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())

	go func() {
		lastID := "0"

		deliver := func(streams []goredis.XStream) bool {
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID

					candidate, err := decodeCandidate(msg)
					if err != nil {
						logger.WithError(err).WithField("id", msg.ID).Error("failed to decode candidate")
						continue
					}

					if subCtx.Err() != nil {
						return false
					}
					onAppend(candidate)
				}
			}
			return true
		}

		if !deliver(backlog) {
			return
		}

		for subCtx.Err() == nil {
			streams, err := s.client.XRead(subCtx, &goredis.XReadArgs{
				Streams: []string{keys.candidates, lastID},
				Count:   readBatch,
				Block:   readBlock,
			}).Result()

			if errors.Is(err, goredis.Nil) {
				continue
			}

			if err != nil {
				if subCtx.Err() != nil {
					return
				}

				logger.WithError(err).Warn("failed to read candidates")
				select {
				case <-subCtx.Done():
					return
				case <-time.After(readRetryInterval):
				}
				continue
			}

			if !deliver(streams) {
				return
			}
		}
	}()

	return unsubscribeOnce(cancel), nil
}

func decodeCandidate(msg goredis.XMessage) (session.IceCandidate, error) {
	var candidate session.IceCandidate

	data, ok := msg.Values["data"].(string)
	if !ok {
		return candidate, errors.New("candidate entry has no data")
	}

	if err := json.Unmarshal([]byte(data), &candidate); err != nil {
		return candidate, err
	}

	seq, ok := msg.Values["seq"].(string)
	if !ok {
		return candidate, errors.New("candidate entry has no sequence")
	}

	sequence, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return candidate, fmt.Errorf("invalid sequence: %w", err)
	}
	candidate.Sequence = sequence

	return candidate, nil
}

// Either a plain client or a transaction.
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func (s *Store) read(ctx context.Context, cmd getter, conversationID string) (*session.CallSession, error) {
	data, err := cmd.Get(ctx, s.keys(conversationID).document).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var doc session.CallSession
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &doc, nil
}

// Runs an optimistic transaction watching the given key, retrying on concurrent writes.
func (s *Store) transaction(ctx context.Context, key string, fn func(*goredis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}

	return fmt.Errorf("too many concurrent writes to %s", key)
}

type keySet struct {
	document   string
	attempt    string
	sequence   string
	candidates string
	events     string
}

func (s *Store) keys(conversationID string) keySet {
	base := fmt.Sprintf("%s:call:%s", s.prefix, conversationID)
	return keySet{
		document:   base,
		attempt:    base + ":attempt",
		sequence:   base + ":seq",
		candidates: base + ":candidates",
		events:     base + ":events",
	}
}

func unsubscribeOnce(fn func()) session.Subscription {
	var once sync.Once
	return session.SubscriptionFunc(func() { once.Do(fn) })
}
