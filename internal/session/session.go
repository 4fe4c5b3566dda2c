// Package session keeps the per-user conversation state the front-end is
// in the middle of capturing (the amount typed so far, the transfer
// target). One record per user, keyed by wallet user id, expiring on its
// own or cleared when the flow completes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Action tags which input the front-end is waiting for.
type Action string

const (
	ActionNone           Action = ""
	ActionDepositAmount  Action = "deposit_amount"
	ActionExchangeAmount Action = "exchange_amount"
	ActionTransferAmount Action = "transfer_amount"
	ActionTransferTarget Action = "transfer_target"
)

// State is one in-flight conversation.
type State struct {
	UserID    int64           `json:"user_id"`
	Action    Action          `json:"action"`
	Asset     string          `json:"asset,omitempty"`
	Amount    decimal.Decimal `json:"amount,omitempty"`
	Target    string          `json:"target,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

var ErrNotFound = errors.New("no session state")

// Store holds at most one State per user.
type Store interface {
	Get(ctx context.Context, userID int64) (State, error)
	Put(ctx context.Context, state State) error
	Clear(ctx context.Context, userID int64) error
}

type memoryEntry struct {
	state   State
	expires time.Time
}

// MemoryStore is the in-process backend for single-instance deployments.
type MemoryStore struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[int64]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[int64]memoryEntry),
	}
}

func (s *MemoryStore) Get(_ context.Context, userID int64) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[userID]
	if !ok {
		return State{}, ErrNotFound
	}
	if time.Now().After(entry.expires) {
		delete(s.entries, userID)
		return State{}, ErrNotFound
	}
	return entry.state, nil
}

func (s *MemoryStore) Put(_ context.Context, state State) error {
	if state.UserID <= 0 {
		return fmt.Errorf("user id required")
	}
	state.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state.UserID] = memoryEntry{
		state:   state,
		expires: time.Now().Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}

const defaultRedisPrefix = "wallet:session:"

// RedisStore shares conversation state across instances.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisStore(client *redis.Client, ttl time.Duration, prefix string) *RedisStore {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, ttl: ttl, prefix: prefix}
}

func (s *RedisStore) key(userID int64) string {
	return fmt.Sprintf("%s%d", s.prefix, userID)
}

func (s *RedisStore) Get(ctx context.Context, userID int64) (State, error) {
	raw, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, ErrNotFound
		}
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, fmt.Errorf("decode session state: %w", err)
	}
	return state, nil
}

func (s *RedisStore) Put(ctx context.Context, state State) error {
	if state.UserID <= 0 {
		return fmt.Errorf("user id required")
	}
	state.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	return s.client.Set(ctx, s.key(state.UserID), raw, s.ttl).Err()
}

func (s *RedisStore) Clear(ctx context.Context, userID int64) error {
	return s.client.Del(ctx, s.key(userID)).Err()
}
