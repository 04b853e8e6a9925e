// Package wizard holds per-(bot,user) conversation state: a typed
// record held in Redis with TTL, atomic step advance via optimistic
// locking, and corruption-safe discard. The authoritative copy is the shared store; there is no
// in-memory mirror.
package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL and MinTTL bound the spec-configurable state lifetime.
const (
	DefaultTTL = 86400 * time.Second
	MinTTL     = 60 * time.Second
)

// MaxInputLen is the truncation bound applied before step validation.
const MaxInputLen = 1024

// State is the per-(bot_id, user_id) wizard record.
type State struct {
	EntryCmd      string            `json:"entry_cmd"`
	Step          int               `json:"step"`
	Vars          map[string]string `json:"vars"`
	StartedAt     time.Time         `json:"started_at"`
	TTLSec        int               `json:"ttl_sec"`
	PendingWidget string            `json:"pending_widget,omitempty"` // var name a calendar pick will fill
}

// ErrCorrupt marks a state record that failed to decode or violated an
// invariant.
var ErrCorrupt = errors.New("wizard: corrupt state")

// ErrOutOfTurn is returned by Advance when another update already won
// the race to advance this (bot,user)'s step.
var ErrOutOfTurn = errors.New("wizard: out of turn")

// Store is the Redis-backed wizard state store.
type Store struct {
	cli *redis.Client
}

// New wraps an existing Redis client.
func New(cli *redis.Client) *Store {
	return &Store{cli: cli}
}

func key(botID string, userID int64) string {
	return fmt.Sprintf("state:%s:%d", botID, userID)
}

// Load fetches the current wizard state, or (nil, nil) if there is none
// or the stored record is corrupt — corrupt records are deleted as a
// side effect.
func (s *Store) Load(ctx context.Context, botID string, userID int64) (*State, error) {
	return s.load(ctx, s.cli, botID, userID)
}

func (s *Store) load(ctx context.Context, cli redis.Cmdable, botID string, userID int64) (*State, error) {
	raw, err := cli.Get(ctx, key(botID, userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	st, ok := decode(raw)
	if !ok {
		_ = cli.Del(ctx, key(botID, userID)).Err()
		return nil, nil
	}
	return st, nil
}

func decode(raw []byte) (*State, bool) {
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false
	}
	if st.Step < 0 || st.Vars == nil || st.EntryCmd == "" {
		return nil, false
	}
	return &st, true
}

func ttlOrDefault(ttlSec int) time.Duration {
	if ttlSec <= 0 {
		return DefaultTTL
	}
	ttl := time.Duration(ttlSec) * time.Second
	if ttl < MinTTL {
		return MinTTL
	}
	return ttl
}

// Start installs a fresh state at step 0, resetting any prior state for
// this (bot,user): receiving the entry command again always restarts.
func (s *Store) Start(ctx context.Context, botID string, userID int64, entryCmd string, ttlSec int) (*State, error) {
	st := &State{
		EntryCmd:  entryCmd,
		Step:      0,
		Vars:      map[string]string{},
		StartedAt: time.Now().UTC(),
		TTLSec:    ttlSec,
	}
	if err := s.save(ctx, botID, userID, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) save(ctx context.Context, botID string, userID int64, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.cli.Set(ctx, key(botID, userID), data, ttlOrDefault(st.TTLSec)).Err()
}

// Delete removes the wizard record, run on completion or explicit reset.
func (s *Store) Delete(ctx context.Context, botID string, userID int64) error {
	return s.cli.Del(ctx, key(botID, userID)).Err()
}

// Advance atomically moves the state from expectedStep to the state
// produced by mutate, using Redis WATCH/MULTI optimistic locking:
// across concurrent updates for the same (bot,user), whichever save
// commits first defines the next step. Losers observe ErrOutOfTurn and
// the winner's already-saved state.
func (s *Store) Advance(ctx context.Context, botID string, userID int64, expectedStep int, mutate func(*State)) (*State, error) {
	k := key(botID, userID)
	var result *State
	var outOfTurn bool

	txf := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, botID, userID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Step != expectedStep {
			result = cur
			outOfTurn = true
			return nil
		}

		mutate(cur)
		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, ttlOrDefault(cur.TTLSec))
			return nil
		})
		if err != nil {
			return err
		}
		result = cur
		return nil
	}

	err := s.cli.Watch(ctx, txf, k)
	if errors.Is(err, redis.TxFailedError) {
		// Someone else committed between our read and our MULTI/EXEC:
		// re-read once to report the current (now-advanced) state.
		cur, loadErr := s.Load(ctx, botID, userID)
		if loadErr != nil {
			return nil, loadErr
		}
		return cur, ErrOutOfTurn
	}
	if err != nil {
		return nil, err
	}
	if outOfTurn {
		return result, ErrOutOfTurn
	}
	return result, nil
}

// Complete deletes the state after on_complete has run — a convenience
// wrapper so callers don't need to special-case the terminal step.
func (s *Store) Complete(ctx context.Context, botID string, userID int64) error {
	return s.Delete(ctx, botID, userID)
}

// Truncate caps input length to MaxInputLen before step validation.
func Truncate(input string) string {
	if len(input) <= MaxInputLen {
		return input
	}
	return input[:MaxInputLen]
}
