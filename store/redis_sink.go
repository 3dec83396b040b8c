package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/sensor-ingest/wire"
)

// setIfNewer stores ARGV[2] in hash KEYS[1] field ARGV[1] unless the stored
// value carries a greater timestamp (ARGV[3]), and always bumps the counter
// field ARGV[1] of hash KEYS[2].
var setIfNewer = redis.NewScript(`
	local cur = redis.call("hget", KEYS[1], ARGV[1])
	if cur then
		local ok, decoded = pcall(cjson.decode, cur)
		if ok and tonumber(decoded["ts"]) > tonumber(ARGV[3]) then
			redis.call("hincrby", KEYS[2], ARGV[1], 1)
			return 0
		end
	end
	redis.call("hset", KEYS[1], ARGV[1], ARGV[2])
	redis.call("hincrby", KEYS[2], ARGV[1], 1)
	return 1
`)

// redisValue is the JSON form of a stored record.
type redisValue struct {
	Sensor    string  `json:"sensor"`
	Timestamp int64   `json:"ts"`
	Value     float64 `json:"value"`
}

// RedisSink persists the newest value and a record count per sensor in two
// Redis hashes, "<prefix>latest" and "<prefix>count". Hash fields are
// wire.SensorID.Key, the hex form of the full id; the stored JSON keeps the
// readable name.
type RedisSink struct {
	client *redis.Client
	prefix string
}

// NewRedisSink creates a RedisSink over client. All keys start with prefix.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	sink := NewRedisSink(client, "ingest:")
func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

// LatestKey returns the hash holding the newest value per sensor.
func (s *RedisSink) LatestKey() string { return s.prefix + "latest" }

// CountKey returns the hash holding the record count per sensor.
func (s *RedisSink) CountKey() string { return s.prefix + "count" }

// StoreRecord implements Sink.
func (s *RedisSink) StoreRecord(ctx context.Context, v wire.SensorValue) error {
	return s.StoreBatch(ctx, []wire.SensorValue{v})
}

// StoreBatch runs the newest-wins update for every record in one pipeline.
// The script is sent with EVAL since a pipelined EVALSHA cannot fall back on
// NOSCRIPT. Timestamps are compared as Lua numbers, so values less than a few
// hundred nanoseconds apart may compare equal.
func (s *RedisSink) StoreBatch(ctx context.Context, batch []wire.SensorValue) error {
	if len(batch) == 0 {
		return nil
	}

	keys := []string{s.LatestKey(), s.CountKey()}
	pipe := s.client.Pipeline()
	for _, v := range batch {
		data, err := json.Marshal(redisValue{Sensor: v.SensorID.String(), Timestamp: v.Timestamp, Value: v.Value})
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		setIfNewer.Eval(ctx, pipe, keys, v.SensorID.Key(), data, v.Timestamp)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}

	return nil
}

// Latest implements Reader.
func (s *RedisSink) Latest(ctx context.Context, id wire.SensorID) (wire.SensorValue, error) {
	val, err := s.client.HGet(ctx, s.LatestKey(), id.Key()).Result()
	if errors.Is(err, redis.Nil) {
		return wire.SensorValue{}, ErrNotFound
	}

	if err != nil {
		return wire.SensorValue{}, fmt.Errorf("redis hget error: %w", err)
	}

	var rv redisValue
	if err := json.Unmarshal([]byte(val), &rv); err != nil {
		return wire.SensorValue{}, fmt.Errorf("failed to unmarshal stored value: %w", err)
	}

	return wire.SensorValue{SensorID: id, Timestamp: rv.Timestamp, Value: rv.Value}, nil
}

// Count returns how many records were stored for id.
func (s *RedisSink) Count(ctx context.Context, id wire.SensorID) (int64, error) {
	n, err := s.client.HGet(ctx, s.CountKey(), id.Key()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("redis hget error: %w", err)
	}

	return n, nil
}

// Close closes the underlying client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
