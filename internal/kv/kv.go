// Package kv is the bridge's interface to the platform's Redis instance.
//
// The surrounding platform writes the per-call agent configuration before
// the PBX dials out, and reads back audio blobs, call events, and cost
// records the bridge leaves behind. All keys live under the voiceai:
// namespace; the bridge never scans, it only touches keys derived from the
// call id it was handed in the UUID frame.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
)

// ErrAgentNotFound is returned by Agent when no configuration was written
// for the call id.
var ErrAgentNotFound = errors.New("kv: agent config not found")

// Direction labels which side of the call an audio blob belongs to.
type Direction string

const (
	DirectionIn  Direction = "in"  // caller -> bridge
	DirectionOut Direction = "out" // bridge -> caller
)

// callTTL bounds how long call artifacts survive when the out-of-band
// object-store worker never picks them up.
const callTTL = 24 * time.Hour

// Store is the narrow persistence surface the bridge needs. Sinks and tool
// handlers take this interface so tests can substitute a fake.
type Store interface {
	// Agent loads the AgentConfig document for a call.
	Agent(ctx context.Context, callID string) (realtime.AgentConfig, error)

	// AppendAudio appends raw PCM to the call's per-direction audio blob.
	AppendAudio(ctx context.Context, callID string, dir Direction, pcm []byte) error

	// PushEvent appends a JSON-encoded event to the call's event stream.
	PushEvent(ctx context.Context, callID string, event any) error

	// PushDeadLetter parks a payload that could not be delivered, for the
	// out-of-band retry worker.
	PushDeadLetter(ctx context.Context, payload []byte) error

	// Ping verifies connectivity, for readiness checks.
	Ping(ctx context.Context) error
}

// Key builders. The layout is shared with the platform's API; change it
// there first.

func agentKey(callID string) string { return "voiceai:call:" + callID + ":agent" }

func audioKey(callID string, dir Direction) string {
	return fmt.Sprintf("voiceai:call:%s:audio:%s", callID, dir)
}

func eventsKey(callID string) string { return "voiceai:call:" + callID + ":events" }

const deadLetterKey = "voiceai:costs:deadletter"

// RedisStore implements Store on a go-redis client.
type RedisStore struct {
	rdb *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects a Store to the Redis instance at addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// NewRedisStoreFromClient wraps an existing client, for tests.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Agent loads and decodes the agent configuration for callID.
func (s *RedisStore) Agent(ctx context.Context, callID string) (realtime.AgentConfig, error) {
	var cfg realtime.AgentConfig

	data, err := s.rdb.Get(ctx, agentKey(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return cfg, fmt.Errorf("%w: call %s", ErrAgentNotFound, callID)
	}
	if err != nil {
		return cfg, fmt.Errorf("kv: load agent config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("kv: decode agent config: %w", err)
	}
	return cfg, nil
}

// AppendAudio appends pcm to the blob for the call and direction, refreshing
// the key's TTL.
func (s *RedisStore) AppendAudio(ctx context.Context, callID string, dir Direction, pcm []byte) error {
	key := audioKey(callID, dir)
	pipe := s.rdb.Pipeline()
	pipe.Append(ctx, key, string(pcm))
	pipe.Expire(ctx, key, callTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: append audio: %w", err)
	}
	return nil
}

// PushEvent marshals event and RPUSHes it onto the call's event list.
func (s *RedisStore) PushEvent(ctx context.Context, callID string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kv: encode event: %w", err)
	}
	key := eventsKey(callID)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, callTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: push event: %w", err)
	}
	return nil
}

// PushDeadLetter parks payload on the shared dead-letter list.
func (s *RedisStore) PushDeadLetter(ctx context.Context, payload []byte) error {
	if err := s.rdb.RPush(ctx, deadLetterKey, payload).Err(); err != nil {
		return fmt.Errorf("kv: push dead letter: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
