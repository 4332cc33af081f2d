package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default stream keys and trim length for Redis.
const (
	DefaultResultStream  = "sensorflow:results"
	DefaultReadingStream = "sensorflow:readings"
	DefaultStreamMaxLen  = 100000
)

// streamAdder is the subset of *redis.Client used by Redis.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	ResultStream  string
	ReadingStream string
	MaxLen        int64
}

// Redis appends readings and results to two Redis streams, trimmed
// approximately to MaxLen entries.
type Redis struct {
	client        streamAdder
	closer        func() error
	resultStream  string
	readingStream string
	maxLen        int64
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   3,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: redis: ping %s: %w", opts.Addr, err)
	}
	r := newRedis(client, opts)
	r.closer = client.Close
	return r, nil
}

func newRedis(client streamAdder, opts RedisOptions) *Redis {
	r := &Redis{
		client:        client,
		resultStream:  opts.ResultStream,
		readingStream: opts.ReadingStream,
		maxLen:        opts.MaxLen,
	}
	if r.resultStream == "" {
		r.resultStream = DefaultResultStream
	}
	if r.readingStream == "" {
		r.readingStream = DefaultReadingStream
	}
	if r.maxLen <= 0 {
		r.maxLen = DefaultStreamMaxLen
	}
	return r
}

// Close releases the client.
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

// StoreResult implements Sink.
func (r *Redis) StoreResult(ctx context.Context, rec Record) error {
	attrs := "{}"
	if len(rec.Attributes) > 0 {
		b, err := json.Marshal(rec.Attributes)
		if err != nil {
			return fmt.Errorf("storage: redis: encode attributes: %w: %w", ErrStorageFailure, err)
		}
		attrs = string(b)
	}
	values := map[string]any{
		"ts":         rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"algorithm":  rec.Algorithm,
		"module":     rec.Module,
		"field":      rec.Field,
		"original":   strconv.FormatFloat(rec.Original, 'g', -1, 64),
		"processed":  strconv.FormatFloat(rec.Processed, 'g', -1, 64),
		"confidence": strconv.FormatFloat(rec.Confidence, 'g', -1, 64),
		"attributes": attrs,
	}
	return r.add(ctx, r.resultStream, values)
}

// StoreReading implements Sink.
func (r *Redis) StoreReading(ctx context.Context, rd Reading) error {
	fields, err := json.Marshal(rd.Fields)
	if err != nil {
		return fmt.Errorf("storage: redis: encode reading: %w: %w", ErrStorageFailure, err)
	}
	values := map[string]any{
		"ts":     rd.Timestamp.UTC().Format(time.RFC3339Nano),
		"module": rd.Module,
		"fields": string(fields),
	}
	return r.add(ctx, r.readingStream, values)
}

func (r *Redis) add(ctx context.Context, stream string, values map[string]any) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("storage: redis: xadd %s: %w: %w", stream, ErrStorageFailure, err)
	}
	return nil
}
