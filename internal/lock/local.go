package lock

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// localService is an in-process Service with no backing store, used in
// single-replica/dev mode (PARALLAX_HA_ENABLED=false) where there is only
// ever one process contending for a resource.
type localService struct {
	mu    sync.Mutex
	held  map[string]string // resource -> fencing token
	lostCh chan string
}

// NewLocal constructs a lock Service backed by an in-process mutex map
// rather than Redis. It satisfies the same fencing contract for a single
// replica; auto-renewal is a no-op since there is no TTL to expire.
func NewLocal() Service {
	return &localService{held: make(map[string]string), lostCh: make(chan string, 1)}
}

func (s *localService) Acquire(ctx context.Context, resource string, opts Options) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.held[resource]; busy {
		return nil, nil
	}
	token := ulid.Make().String()
	s.held[resource] = token
	now := time.Now()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lock{ResourceKey: resource, FencingToken: token, AcquiredAt: now, ExpiresAt: now.Add(ttl)}, nil
}

func (s *localService) Release(ctx context.Context, l *Lock) (bool, error) {
	if l == nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[l.ResourceKey] != l.FencingToken {
		return false, nil
	}
	delete(s.held, l.ResourceKey)
	return true, nil
}

func (s *localService) Extend(ctx context.Context, l *Lock, ttl time.Duration) (bool, error) {
	if l == nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[l.ResourceKey] != l.FencingToken {
		return false, nil
	}
	l.ExpiresAt = time.Now().Add(ttl)
	return true, nil
}

func (s *localService) WithLock(ctx context.Context, resource string, opts Options, fn func(ctx context.Context) error) error {
	l, err := s.Acquire(ctx, resource, opts)
	if err != nil || l == nil {
		return err
	}
	defer func() { _, _ = s.Release(ctx, l) }()
	return fn(ctx)
}

func (s *localService) TryWithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	l, err := s.Acquire(ctx, resource, Options{TTL: ttl})
	if err != nil || l == nil {
		return false, err
	}
	defer func() { _, _ = s.Release(ctx, l) }()
	return true, fn(ctx)
}

func (s *localService) Lost() <-chan string { return s.lostCh }

func (s *localService) Close() {}
