package payments

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps charges and subscriptions in memory.
// It is intended for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	charges       map[string]*Charge
	subscriptions map[string]*Subscription
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		charges:       make(map[string]*Charge),
		subscriptions: make(map[string]*Subscription),
	}
}

// Charges returns the store's ChargeStore view.
func (m *MemoryStore) Charges() ChargeStore { return memoryCharges{m} }

// Subscriptions returns the store's SubscriptionStore view.
func (m *MemoryStore) Subscriptions() SubscriptionStore { return memorySubscriptions{m} }

// PutCharge inserts or replaces a charge.
func (m *MemoryStore) PutCharge(c *Charge) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid charge")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.charges[c.ID] = &cp
	return nil
}

// PutSubscription inserts or replaces a subscription.
func (m *MemoryStore) PutSubscription(s *Subscription) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.subscriptions[s.ID] = &cp
	return nil
}

type memoryCharges struct{ m *MemoryStore }

func (s memoryCharges) FindByID(_ context.Context, id string) (*Charge, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	c, ok := s.m.charges[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s memoryCharges) Update(_ context.Context, id string, patch ChargePatch) (*Charge, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	c, ok := s.m.charges[id]
	if !ok {
		return nil, ErrNotFound
	}
	patch.ApplyTo(c, time.Now().UTC())
	cp := *c
	return &cp, nil
}

type memorySubscriptions struct{ m *MemoryStore }

func (s memorySubscriptions) FindByID(_ context.Context, id string) (*Subscription, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	sub, ok := s.m.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s memorySubscriptions) Update(_ context.Context, id string, patch SubscriptionPatch) (*Subscription, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	sub, ok := s.m.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	patch.ApplyTo(sub, time.Now().UTC())
	cp := *sub
	return &cp, nil
}
