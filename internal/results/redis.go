package results

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink stores each frame's records as a hash "<prefix><key>" whose
// fields are detection positions and values are JSON records.
type RedisSink struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

// NewRedisSink connects to addr ("host:port" or a redis:// URL) and pings it.
func NewRedisSink(ctx context.Context, addr string) (*RedisSink, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisSink{Client: client, Prefix: "posewire:results:", TTL: time.Hour}, nil
}

func (r *RedisSink) Record(ctx context.Context, e Entry) error {
	key := r.Prefix + e.Key()
	fields := make(map[string]any, len(e.Detections)+1)
	fields["count"] = len(e.Detections)
	for i, d := range e.Detections {
		b, err := json.Marshal(ToRecord(d))
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		fields[strconv.Itoa(i)] = b
	}

	pipe := r.Client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	if r.TTL > 0 {
		pipe.Expire(ctx, key, r.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record %s: %w", key, err)
	}
	return nil
}

// Read returns the records stored for key.
func (r *RedisSink) Read(ctx context.Context, key string) (map[string]json.RawMessage, error) {
	vals, err := r.Client.HGetAll(ctx, r.Prefix+key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(vals))
	for k, v := range vals {
		if k == "count" {
			continue
		}
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

func (r *RedisSink) Close(context.Context) error {
	return r.Client.Close()
}
