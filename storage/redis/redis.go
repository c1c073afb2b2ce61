// Package redis provides a Redis implementation of the gohook.Storage interface.
// Ledger records are hashes; every state transition is a Lua script so that
// concurrent deliveries of one event serialize inside Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

// Storage implements gohook.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gohook:")
	KeyPrefix string

	// RecordTTL is how long ledger records are retained after their last transition.
	// It must comfortably exceed the sender's redelivery window (default: 30 days)
	RecordTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gohook:",
		RecordTTL: 30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.RecordTTL <= 0 {
		config.RecordTTL = defaults.RecordTTL
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic transitions
func (s *Storage) loadScripts() {
	// Reserve: claim when absent, failed, or in flight with an expired lease.
	// Returns {reserved, HGETALL}.
	s.scripts["reserve"] = redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local state = redis.call('HGET', key, 'state')

		local reservable = true
		if state == 'completed' then
			reservable = false
		elseif state == 'in_flight' then
			local expires = tonumber(redis.call('HGET', key, 'lease_expires_ms'))
			if expires and now < expires then
				reservable = false
			end
		end

		if not reservable then
			return {0, redis.call('HGETALL', key)}
		end

		redis.call('HINCRBY', key, 'attempts', 1)
		redis.call('HSET', key,
			'event_id', ARGV[2],
			'event_type', ARGV[3],
			'state', 'in_flight',
			'token', ARGV[4],
			'outcome', '',
			'reserved_ms', ARGV[1],
			'lease_expires_ms', ARGV[5])
		redis.call('HDEL', key, 'processed_ms')
		redis.call('PEXPIRE', key, ARGV[6])

		return {1, redis.call('HGETALL', key)}
	`)

	// Finalize: complete an in-flight record held by the token
	s.scripts["finalize"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('HGET', key, 'state') ~= 'in_flight' or redis.call('HGET', key, 'token') ~= ARGV[1] then
			return 0
		end

		redis.call('HSET', key,
			'state', 'completed',
			'outcome', ARGV[2],
			'last_error', ARGV[3],
			'processed_ms', ARGV[4])
		redis.call('PEXPIRE', key, ARGV[5])
		return 1
	`)

	// Release: revert an in-flight record held by the token to failed
	s.scripts["release"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('HGET', key, 'state') ~= 'in_flight' or redis.call('HGET', key, 'token') ~= ARGV[1] then
			return 0
		end

		redis.call('HSET', key,
			'state', 'failed',
			'outcome', 'failed',
			'last_error', ARGV[2],
			'lease_expires_ms', ARGV[3])
		redis.call('PEXPIRE', key, ARGV[4])
		return 1
	`)
}

// Reserve implements gohook.Storage
func (s *Storage) Reserve(ctx context.Context, req *gohook.ReserveRequest) (*gohook.ProcessingRecord, bool, error) {
	result, err := s.scripts["reserve"].Run(ctx, s.client,
		[]string{s.eventKey(req.EventID)},
		req.Now.UnixMilli(),
		req.EventID,
		req.EventType,
		req.Token,
		req.Now.Add(req.LeaseTTL).UnixMilli(),
		s.config.RecordTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve event: %w", err)
	}
	if len(result) != 2 {
		return nil, false, fmt.Errorf("unexpected reserve result: %v", result)
	}

	reserved, ok := result[0].(int64)
	if !ok {
		return nil, false, fmt.Errorf("unexpected reserve flag: %v", result[0])
	}
	pairs, ok := result[1].([]interface{})
	if !ok {
		return nil, false, fmt.Errorf("unexpected reserve record: %v", result[1])
	}

	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		fields[k] = v
	}

	record, err := decodeRecord(fields)
	if err != nil {
		return nil, false, err
	}
	return record, reserved == 1, nil
}

// Finalize implements gohook.Storage
func (s *Storage) Finalize(ctx context.Context, eventID, token string, outcome gohook.Outcome,
	reason string, at time.Time) error {
	ok, err := s.scripts["finalize"].Run(ctx, s.client,
		[]string{s.eventKey(eventID)},
		token,
		string(outcome),
		reason,
		at.UnixMilli(),
		s.config.RecordTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to finalize event: %w", err)
	}
	if ok != 1 {
		return gohook.ErrReservationLost
	}
	return nil
}

// Release implements gohook.Storage
func (s *Storage) Release(ctx context.Context, eventID, token, reason string, at time.Time) error {
	ok, err := s.scripts["release"].Run(ctx, s.client,
		[]string{s.eventKey(eventID)},
		token,
		reason,
		at.UnixMilli(),
		s.config.RecordTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	if ok != 1 {
		return gohook.ErrReservationLost
	}
	return nil
}

// GetRecord implements gohook.Storage
func (s *Storage) GetRecord(ctx context.Context, eventID string) (*gohook.ProcessingRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get event record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil // Never seen
	}
	return decodeRecord(fields)
}

// Now implements gohook.TimeSource using the Redis server clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get redis time: %w", err)
	}
	return t.UTC(), nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

var errCorruptRecord = errors.New("corrupt ledger record")

func decodeRecord(fields map[string]string) (*gohook.ProcessingRecord, error) {
	if fields["state"] == "" {
		return nil, fmt.Errorf("%w: missing state", errCorruptRecord)
	}

	record := &gohook.ProcessingRecord{
		EventID:   fields["event_id"],
		EventType: fields["event_type"],
		State:     gohook.RecordState(fields["state"]),
		Outcome:   gohook.Outcome(fields["outcome"]),
		Token:     fields["token"],
		LastError: fields["last_error"],
	}

	var err error
	if record.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return nil, fmt.Errorf("%w: attempts: %v", errCorruptRecord, err)
	}
	if record.ReservedAt, err = parseMillis(fields["reserved_ms"]); err != nil {
		return nil, err
	}
	if record.LeaseExpiresAt, err = parseMillis(fields["lease_expires_ms"]); err != nil {
		return nil, err
	}
	if v, ok := fields["processed_ms"]; ok && v != "" {
		processed, err := parseMillis(v)
		if err != nil {
			return nil, err
		}
		record.ProcessedAt = &processed
	}
	return record, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", errCorruptRecord, v)
	}
	return time.UnixMilli(ms).UTC(), nil
}
