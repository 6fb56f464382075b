package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	setNXResult bool
	setNXError  error
	lastKey     string
	lastTTL     time.Duration
	lastDeleted string
}

func (f *fakeStore) SetNX(_ context.Context, key string, _ any, ttl time.Duration) (bool, error) {
	f.lastKey = key
	f.lastTTL = ttl
	return f.setNXResult, f.setNXError
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return "cc:idempotency:" + scope + ":" + id
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	if len(keys) > 0 {
		f.lastDeleted = keys[0]
	}
	return nil
}

func TestClaimFirstDelivery(t *testing.T) {
	store := &fakeStore{setNXResult: true}
	manager, err := NewManager(store, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	claimed, err := manager.Claim(context.Background(), "webhook:stripe", "evt_123")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !claimed {
		t.Fatal("expected first delivery to be claimed")
	}
	if store.lastKey != "cc:idempotency:claim:webhook:stripe:evt_123" {
		t.Fatalf("unexpected key: %q", store.lastKey)
	}
	if store.lastTTL != 24*time.Hour {
		t.Fatalf("unexpected ttl: %v", store.lastTTL)
	}
}

func TestClaimRedelivery(t *testing.T) {
	manager, _ := NewManager(&fakeStore{setNXResult: false}, time.Hour)
	claimed, err := manager.Claim(context.Background(), "webhook:plaid", "abc")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed {
		t.Fatal("expected redelivery to be rejected")
	}
}

func TestClaimPropagatesStoreError(t *testing.T) {
	manager, _ := NewManager(&fakeStore{setNXError: errors.New("boom")}, time.Hour)
	if _, err := manager.Claim(context.Background(), "webhook:plaid", "abc"); err == nil {
		t.Fatal("expected store error")
	}
}

func TestClaimValidatesInput(t *testing.T) {
	manager, _ := NewManager(&fakeStore{}, time.Hour)
	if _, err := manager.Claim(context.Background(), "", "abc"); err == nil {
		t.Fatal("expected scope error")
	}
	if _, err := manager.Claim(context.Background(), "webhook:plaid", " "); err == nil {
		t.Fatal("expected id error")
	}
}

func TestRelease(t *testing.T) {
	store := &fakeStore{}
	manager, _ := NewManager(store, time.Hour)
	if err := manager.Release(context.Background(), "webhook:change", "evt_9"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if store.lastDeleted != "cc:idempotency:claim:webhook:change:evt_9" {
		t.Fatalf("unexpected deleted key %q", store.lastDeleted)
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(nil, time.Hour); err == nil {
		t.Fatal("expected nil store error")
	}
	if _, err := NewManager(&fakeStore{}, -time.Second); err == nil {
		t.Fatal("expected negative ttl error")
	}
}
