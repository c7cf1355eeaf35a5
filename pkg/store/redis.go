// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
)

const maxTxRetries = 16

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// RedisStore keeps requests, sessions and tokens in Redis. Records are JSON
// strings; sorted sets and sets index them. Terminal transitions run in a
// WATCH/MULTI transaction.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// OpenRedis connects to Redis and checks the connection.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore(client, opts.KeyPrefix), nil
}

// NewRedisStore wraps an existing client. The default key prefix is "humanloop:".
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "humanloop:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) requestKey(id string) string {
	return s.keyPrefix + "request:" + id
}

func (s *RedisStore) requestIndexKey() string {
	return s.keyPrefix + "requests"
}

func (s *RedisStore) sessionKey(id string) string {
	return s.keyPrefix + "session:" + id
}

func (s *RedisStore) sessionIndexKey() string {
	return s.keyPrefix + "sessions"
}

func (s *RedisStore) tokenKey(key string) string {
	return s.keyPrefix + "token:" + key
}

func (s *RedisStore) tokenIndexKey() string {
	return s.keyPrefix + "tokens"
}

// CreateRequest inserts a new request.
func (s *RedisStore) CreateRequest(ctx context.Context, req *core.Request) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.requestKey(req.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf(errors.CodeInvalidInput, "request %q already exists", req.ID)
	}
	return s.client.ZAdd(ctx, s.requestIndexKey(), redis.Z{
		Score:  float64(req.CreatedAt.UnixNano()),
		Member: req.ID,
	}).Err()
}

// GetRequest returns a request by id.
func (s *RedisStore) GetRequest(ctx context.Context, id string) (*core.Request, error) {
	return s.loadRequest(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) loadRequest(ctx context.Context, g getter, id string) (*core.Request, error) {
	data, err := g.Get(ctx, s.requestKey(id)).Bytes()
	if err == redis.Nil {
		return nil, requestNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRequest(data)
}

func (s *RedisStore) loadSession(ctx context.Context, g getter, id string) (*core.Session, error) {
	data, err := g.Get(ctx, s.sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, sessionNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	var session core.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// watch runs fn in an optimistic transaction on key, retrying when a
// concurrent writer touched the key first.
func (s *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return errors.Newf(errors.CodeInternal, "too many concurrent updates on %q", key)
}

// CompleteRequest applies a terminal transition if the request is pending.
func (s *RedisStore) CompleteRequest(ctx context.Context, id string, c core.Completion) (*core.Request, error) {
	if err := validateCompletion(c); err != nil {
		return nil, err
	}
	key := s.requestKey(id)
	var (
		result    *core.Request
		resultErr error
	)
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		req, err := s.loadRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			result, resultErr = req, alreadyResolved(req)
			return nil
		}
		c.Apply(req)
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result, resultErr = req, nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, resultErr
}

// ListRequests returns requests matching the filter, oldest first.
func (s *RedisStore) ListRequests(ctx context.Context, filter RequestFilter) ([]*core.Request, error) {
	ids, err := s.client.ZRange(ctx, s.requestIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*core.Request, 0)
	for _, id := range ids {
		req, err := s.GetRequest(ctx, id)
		if err != nil {
			if errors.CodeOf(err) == errors.CodeNotFound {
				continue
			}
			return nil, err
		}
		if !filter.Match(req) {
			continue
		}
		out = append(out, req)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// CreateSession inserts a new session.
func (s *RedisStore) CreateSession(ctx context.Context, session *core.Session) error {
	if session == nil || session.ID == "" {
		return errors.New(errors.CodeInvalidInput, "session id is required", nil)
	}
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf(errors.CodeInvalidInput, "conversation %q already exists", session.ID)
	}
	return s.client.SAdd(ctx, s.sessionIndexKey(), session.ID).Err()
}

// GetSession returns a session by id.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	return s.loadSession(ctx, s.client, id)
}

func (s *RedisStore) updateSession(ctx context.Context, id string, fn func(*core.Session) bool) (*core.Session, bool, error) {
	key := s.sessionKey(id)
	var (
		result  *core.Session
		changed bool
	)
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		session, err := s.loadSession(ctx, tx, id)
		if err != nil {
			return err
		}
		result, changed = session, fn(session)
		if !changed {
			return nil
		}
		session.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

// AppendTurn records a new turn on the session.
func (s *RedisStore) AppendTurn(ctx context.Context, sessionID, requestID string) (*core.Session, error) {
	session, _, err := s.updateSession(ctx, sessionID, func(session *core.Session) bool {
		session.Turns = append(session.Turns, requestID)
		return true
	})
	return session, err
}

// CloseSession moves an active session to a closed status.
func (s *RedisStore) CloseSession(ctx context.Context, sessionID string, status core.SessionStatus) (*core.Session, bool, error) {
	if err := validateClose(status); err != nil {
		return nil, false, err
	}
	return s.updateSession(ctx, sessionID, func(session *core.Session) bool {
		if session.Status.Closed() {
			return false
		}
		session.Status = status
		return true
	})
}

// SaveToken registers a resume token.
func (s *RedisStore) SaveToken(ctx context.Context, token core.ResumeToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.tokenKey(token.Key), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return duplicateToken(token.Key)
	}
	return s.client.SAdd(ctx, s.tokenIndexKey(), token.Key).Err()
}

// GetToken returns a resume token by key.
func (s *RedisStore) GetToken(ctx context.Context, key string) (*core.ResumeToken, error) {
	data, err := s.client.Get(ctx, s.tokenKey(key)).Bytes()
	if err == redis.Nil {
		return nil, errors.Newf(errors.CodeUnknownToken, "no resume token for key %q", key)
	}
	if err != nil {
		return nil, err
	}
	var token core.ResumeToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// Reap removes completed records older than the cutoff.
func (s *RedisStore) Reap(ctx context.Context, before time.Time) (int, error) {
	removedRequests := make(map[string]bool)
	removedSessions := make(map[string]bool)

	sessionIDs, err := s.client.SMembers(ctx, s.sessionIndexKey()).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range sessionIDs {
		session, err := s.GetSession(ctx, id)
		if err != nil {
			if errors.CodeOf(err) == errors.CodeNotFound {
				continue
			}
			return 0, err
		}
		if !sessionReapable(session, before) {
			continue
		}
		for _, turn := range session.Turns {
			removedRequests[turn] = true
		}
		removedSessions[id] = true
	}

	requestIDs, err := s.client.ZRange(ctx, s.requestIndexKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range requestIDs {
		if removedRequests[id] {
			continue
		}
		req, err := s.GetRequest(ctx, id)
		if err != nil {
			if errors.CodeOf(err) == errors.CodeNotFound {
				continue
			}
			return 0, err
		}
		if reapable(req, before) {
			removedRequests[id] = true
		}
	}

	tokenKeys, err := s.client.SMembers(ctx, s.tokenIndexKey()).Result()
	if err != nil {
		return 0, err
	}
	removedTokens := make([]string, 0)
	for _, key := range tokenKeys {
		token, err := s.GetToken(ctx, key)
		if err != nil {
			continue
		}
		if removedRequests[token.RequestID] || removedSessions[token.ConversationID] {
			removedTokens = append(removedTokens, key)
		}
	}

	pipe := s.client.TxPipeline()
	for id := range removedRequests {
		pipe.Del(ctx, s.requestKey(id))
		pipe.ZRem(ctx, s.requestIndexKey(), id)
	}
	for id := range removedSessions {
		pipe.Del(ctx, s.sessionKey(id))
		pipe.SRem(ctx, s.sessionIndexKey(), id)
	}
	for _, key := range removedTokens {
		pipe.Del(ctx, s.tokenKey(key))
		pipe.SRem(ctx, s.tokenIndexKey(), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(removedRequests), nil
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
