package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ncecere/usage_tracker/internal/models"
	"github.com/ncecere/usage_tracker/internal/store"
)

// Source is the persistent registry and billing rule lookup.
type Source interface {
	GetServiceEntry(ctx context.Context, st models.ServiceType) (models.ServiceRegistryEntry, error)
	ListBillingRules(ctx context.Context, st models.ServiceType, provider string) ([]models.BillingRule, error)
}

// ErrUnknownService is returned when no registry entry exists for a service type.
var ErrUnknownService = errors.New("unknown service type")

type cached[T any] struct {
	value   T
	err     error
	expires time.Time
}

type ruleKey struct {
	serviceType models.ServiceType
	provider    string
}

// Service caches registry entries and billing rules in process for ttl.
// Unknown service types are cached too so bad traffic does not reach the
// database on every event.
type Service struct {
	src   Source
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	entries map[models.ServiceType]cached[models.ServiceRegistryEntry]
	rules   map[ruleKey]cached[[]models.BillingRule]
}

func NewService(src Source, ttl time.Duration) *Service {
	return &Service{
		src:     src,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[models.ServiceType]cached[models.ServiceRegistryEntry]),
		rules:   make(map[ruleKey]cached[[]models.BillingRule]),
	}
}

// WithClock overrides the clock used for expiry.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Entry returns the registry entry for st, or ErrUnknownService.
func (s *Service) Entry(ctx context.Context, st models.ServiceType) (models.ServiceRegistryEntry, error) {
	s.mu.RLock()
	c, ok := s.entries[st]
	s.mu.RUnlock()
	if ok && s.now().Before(c.expires) {
		return c.value, c.err
	}

	v, err, _ := s.group.Do("entry:"+string(st), func() (any, error) {
		entry, err := s.src.GetServiceEntry(ctx, st)
		if store.IsNotFound(err) {
			err = ErrUnknownService
		}
		if err == nil || errors.Is(err, ErrUnknownService) {
			s.mu.Lock()
			s.entries[st] = cached[models.ServiceRegistryEntry]{value: entry, err: err, expires: s.now().Add(s.ttl)}
			s.mu.Unlock()
		}
		return entry, err
	})
	entry, _ := v.(models.ServiceRegistryEntry)
	return entry, err
}

// Rules returns every billing rule for (st, provider).
func (s *Service) Rules(ctx context.Context, st models.ServiceType, provider string) ([]models.BillingRule, error) {
	key := ruleKey{st, provider}
	s.mu.RLock()
	c, ok := s.rules[key]
	s.mu.RUnlock()
	if ok && s.now().Before(c.expires) {
		return c.value, nil
	}

	v, err, _ := s.group.Do("rules:"+string(st)+"\x00"+provider, func() (any, error) {
		rules, err := s.src.ListBillingRules(ctx, st, provider)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.rules[key] = cached[[]models.BillingRule]{value: rules, expires: s.now().Add(s.ttl)}
		s.mu.Unlock()
		return rules, nil
	})
	if err != nil {
		return nil, err
	}
	rules, _ := v.([]models.BillingRule)
	return rules, nil
}

// Invalidate drops every cached entry.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	clear(s.rules)
}
