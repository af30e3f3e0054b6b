// Package lock implements the Lock Service (C2): a fenced distributed mutex
// with auto-renewal over string-keyed resources.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/goadesign/parallax/internal/redisutil"
	"github.com/goadesign/parallax/internal/telemetry"
)

// DefaultTTL is used when callers don't specify one.
const DefaultTTL = 15 * time.Second

const retryDelay = 100 * time.Millisecond

// Lock is a held lease over a resource, per the data model in spec.md §3.
type Lock struct {
	ResourceKey  string
	FencingToken string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}

// Options configures Acquire.
type Options struct {
	TTL time.Duration
	// Wait enables blocking retry up to WaitTimeout.
	Wait        bool
	WaitTimeout time.Duration
}

// Service is the Lock Service contract (§4.2).
type Service interface {
	Acquire(ctx context.Context, resource string, opts Options) (*Lock, error)
	Release(ctx context.Context, l *Lock) (bool, error)
	Extend(ctx context.Context, l *Lock, ttl time.Duration) (bool, error)
	// WithLock acquires resource, runs fn, and guarantees release on every
	// exit path; fn's error propagates unchanged.
	WithLock(ctx context.Context, resource string, opts Options, fn func(ctx context.Context) error) error
	// TryWithLock is the non-blocking variant; fn is not invoked and nil is
	// returned (ran=false) if the lock could not be acquired.
	TryWithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error)
	// Lost returns a channel that receives the resource key whenever a
	// held lock's renewal fails (local `lock-lost` signal, §4.2).
	Lost() <-chan string
	Close()
}

type renewalState struct {
	cancel context.CancelFunc
	lock   *Lock
}

type service struct {
	rdb    *redis.Client
	keys   redisutil.Keys
	logger telemetry.Logger

	mu       sync.Mutex
	renewals map[string]*renewalState

	lostCh chan string

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Config configures a Service.
type Config struct {
	Redis  *redis.Client
	Keys   redisutil.Keys
	Logger telemetry.Logger
}

// New constructs a lock Service.
func New(cfg Config) Service {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &service{
		rdb:      cfg.Redis,
		keys:     cfg.Keys,
		logger:   logger,
		renewals: make(map[string]*renewalState),
		lostCh:   make(chan string, 16),
		closeCh:  make(chan struct{}),
	}
}

func (s *service) Lost() <-chan string { return s.lostCh }

func (s *service) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.mu.Lock()
		for _, r := range s.renewals {
			r.cancel()
		}
		s.renewals = make(map[string]*renewalState)
		s.mu.Unlock()
	})
}

func (s *service) Acquire(ctx context.Context, resource string, opts Options) (*Lock, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	waitTimeout := opts.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 2 * ttl
	}

	deadline := time.Now().Add(waitTimeout)
	for {
		l, err := s.tryAcquire(ctx, resource, ttl)
		if err != nil {
			return nil, err
		}
		if l != nil {
			return l, nil
		}
		if !opts.Wait || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

func (s *service) tryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	key := s.keys.Lock(resource)
	token := ulid.Make().String()

	ok, err := redisutil.SetIfAbsent(ctx, s.rdb, key, token, ttl)
	if err != nil {
		// Backing-store outage during acquire returns nil, per §4.2 failure
		// semantics.
		s.logger.Warn(ctx, "lock acquire failed", "resource", resource, "err", err)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}

	now := time.Now()
	l := &Lock{ResourceKey: resource, FencingToken: token, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	s.startRenewal(l, ttl)
	return l, nil
}

func (s *service) Release(ctx context.Context, l *Lock) (bool, error) {
	if l == nil {
		return false, nil
	}
	s.stopRenewal(l.ResourceKey)
	key := s.keys.Lock(l.ResourceKey)
	return redisutil.CompareAndDelete(ctx, s.rdb, key, l.FencingToken)
}

func (s *service) Extend(ctx context.Context, l *Lock, ttl time.Duration) (bool, error) {
	if l == nil {
		return false, nil
	}
	key := s.keys.Lock(l.ResourceKey)
	ok, err := redisutil.CompareAndExpire(ctx, s.rdb, key, l.FencingToken, ttl)
	if err == nil && ok {
		l.ExpiresAt = time.Now().Add(ttl)
	}
	return ok, err
}

func (s *service) WithLock(ctx context.Context, resource string, opts Options, fn func(ctx context.Context) error) error {
	l, err := s.Acquire(ctx, resource, opts)
	if err != nil {
		return err
	}
	if l == nil {
		return nil
	}
	defer func() { _, _ = s.Release(context.Background(), l) }()
	return fn(ctx)
}

func (s *service) TryWithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	l, err := s.Acquire(ctx, resource, Options{TTL: ttl, Wait: false})
	if err != nil {
		return false, err
	}
	if l == nil {
		return false, nil
	}
	defer func() { _, _ = s.Release(context.Background(), l) }()
	return true, fn(ctx)
}

// startRenewal schedules a renewer at ttl/2, per §4.2 auto-renewal.
func (s *service) startRenewal(l *Lock, ttl time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.renewals[l.ResourceKey] = &renewalState{cancel: cancel, lock: l}
	s.mu.Unlock()

	go s.renewLoop(ctx, l, ttl)
}

func (s *service) stopRenewal(resource string) {
	s.mu.Lock()
	r, ok := s.renewals[resource]
	if ok {
		delete(s.renewals, resource)
	}
	s.mu.Unlock()
	if ok {
		r.cancel()
	}
}

func (s *service) renewLoop(ctx context.Context, l *Lock, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case <-ticker.C:
			ok, err := s.Extend(context.Background(), l, ttl)
			if err != nil || !ok {
				s.logger.Warn(context.Background(), "lock renewal failed, lock lost", "resource", l.ResourceKey)
				s.mu.Lock()
				delete(s.renewals, l.ResourceKey)
				s.mu.Unlock()
				select {
				case s.lostCh <- l.ResourceKey:
				default:
				}
				return
			}
		}
	}
}
