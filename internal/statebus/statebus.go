// Package statebus implements the State Bus (C3): shared key/value state
// with optional TTL and fan-out pub/sub notification of mutations, with
// self-echo suppression.
package statebus

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goadesign/parallax/internal/redisutil"
	"github.com/goadesign/parallax/internal/telemetry"
)

// ChangeType identifies the kind of mutation that produced a Change.
type ChangeType string

const (
	ChangeSet    ChangeType = "set"
	ChangeDelete ChangeType = "delete"
)

// Change is published on every set/delete, per §4.3.
type Change struct {
	Type           ChangeType      `json:"type"`
	Key            string          `json:"key"`
	Value          json.RawMessage `json:"value,omitempty"`
	SourceInstance string          `json:"sourceInstance"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Bus is the State Bus contract (§4.3).
type Bus interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string, out any) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Keys lists state keys matching a glob pattern; '*' matches any
	// substring that contains no ':' namespace separator. Returned keys
	// have the state namespace prefix stripped.
	Keys(ctx context.Context, pattern string) ([]string, error)
	GetMany(ctx context.Context, keys []string) (map[string]json.RawMessage, error)
	SetMany(ctx context.Context, values map[string]any, ttl time.Duration) error
	// Subscribe returns a channel of Change events excluding this
	// instance's own writes. Unsubscribe releases it.
	Subscribe(ctx context.Context) <-chan Change
	Unsubscribe(ch <-chan Change)
	Close() error
}

// Config configures a Bus.
type Config struct {
	Redis      *redis.Client
	Keys       redisutil.Keys
	InstanceID string
	Logger     telemetry.Logger
}

type bus struct {
	cfg  Config
	keys redisutil.Keys

	mu   sync.Mutex
	subs map[chan Change]struct{}

	pubsub *redis.PubSub

	closeOnce sync.Once
}

// New constructs and starts a Bus: it subscribes to the state sync channel
// immediately so no early writes are missed.
func New(ctx context.Context, cfg Config) Bus {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	b := &bus{
		cfg:  cfg,
		keys: cfg.Keys,
		subs: make(map[chan Change]struct{}),
	}
	b.pubsub = cfg.Redis.Subscribe(ctx, cfg.Keys.StateChannel())
	go b.pump(ctx)
	return b
}

func (b *bus) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	k := b.keys.State(key)
	if ttl > 0 {
		if err := b.cfg.Redis.Set(ctx, k, data, ttl).Err(); err != nil {
			return err
		}
	} else {
		if err := b.cfg.Redis.Set(ctx, k, data, 0).Err(); err != nil {
			return err
		}
	}
	return b.publish(ctx, Change{Type: ChangeSet, Key: key, Value: data, SourceInstance: b.cfg.InstanceID, Timestamp: time.Now().UTC()})
}

func (b *bus) Get(ctx context.Context, key string, out any) (bool, error) {
	data, err := b.cfg.Redis.Get(ctx, b.keys.State(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (b *bus) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.cfg.Redis.Del(ctx, b.keys.State(key)).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, b.publish(ctx, Change{Type: ChangeDelete, Key: key, SourceInstance: b.cfg.InstanceID, Timestamp: time.Now().UTC()})
}

func (b *bus) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.cfg.Redis.Exists(ctx, b.keys.State(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *bus) Keys(ctx context.Context, pattern string) ([]string, error) {
	full := b.keys.State(pattern)
	var keys []string
	iter := b.cfg.Redis.Scan(ctx, 0, full, 0).Iterator()
	prefix := b.keys.State("")
	// Redis MATCH lets '*' cross ':'; path.Match does not cross '/', so
	// mapping ':' to '/' keeps each '*' inside one namespace segment.
	glob := strings.ReplaceAll(pattern, ":", "/")
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), prefix)
		if ok, _ := path.Match(glob, strings.ReplaceAll(key, ":", "/")); !ok {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (b *bus) GetMany(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	if len(keys) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.keys.State(k)
	}
	vals, err := b.cfg.Redis.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = json.RawMessage(s)
	}
	return out, nil
}

func (b *bus) SetMany(ctx context.Context, values map[string]any, ttl time.Duration) error {
	pipe := b.cfg.Redis.Pipeline()
	encoded := make(map[string][]byte, len(values))
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		encoded[k] = data
		pipe.Set(ctx, b.keys.State(k), data, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	for k, data := range encoded {
		if err := b.publish(ctx, Change{Type: ChangeSet, Key: k, Value: data, SourceInstance: b.cfg.InstanceID, Timestamp: time.Now().UTC()}); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) publish(ctx context.Context, c Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return b.cfg.Redis.Publish(ctx, b.keys.StateChannel(), data).Err()
}

func (b *bus) Subscribe(ctx context.Context) <-chan Change {
	ch := make(chan Change, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *bus) Unsubscribe(ch <-chan Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub == ch {
			delete(b.subs, sub)
			close(sub)
			return
		}
	}
}

// pump reads the Redis pub/sub channel and fans out to local subscribers,
// suppressing events whose SourceInstance is this instance (self-echo
// suppression, invariant #4 in spec.md §8).
func (b *bus) pump(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				b.cfg.Logger.Error(ctx, "decode state change failed", "err", err)
				continue
			}
			if c.SourceInstance == b.cfg.InstanceID {
				continue
			}
			b.mu.Lock()
			for sub := range b.subs {
				select {
				case sub <- c:
				default:
				}
			}
			b.mu.Unlock()
		}
	}
}

func (b *bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.pubsub.Close()
	})
	return err
}
