package services

import (
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

func TestCeremonyStore_PutTake(t *testing.T) {
	store := NewCeremonyStore(DefaultCeremonyTTL)
	userID := uuid.New()

	sessionID, err := store.Put(PendingCeremony{
		UserID: userID,
		Kind:   CeremonyRegistration,
		Session: webauthn.SessionData{
			Challenge: "test-challenge",
		},
	})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected non-empty session id")
	}

	state, ok := store.Take(sessionID)
	if !ok {
		t.Fatal("expected to take the pending ceremony")
	}
	if state.UserID != userID {
		t.Fatalf("expected user %s, got %s", userID, state.UserID)
	}
	if state.Session.Challenge != "test-challenge" {
		t.Fatalf("unexpected session data: %+v", state.Session)
	}
}

func TestCeremonyStore_TakeIsSingleUse(t *testing.T) {
	store := NewCeremonyStore(DefaultCeremonyTTL)

	sessionID, err := store.Put(PendingCeremony{UserID: uuid.New(), Kind: CeremonyAuthentication})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}

	if _, ok := store.Take(sessionID); !ok {
		t.Fatal("first take should succeed")
	}
	if _, ok := store.Take(sessionID); ok {
		t.Fatal("second take should fail")
	}
}

func TestCeremonyStore_TakeUnknownID(t *testing.T) {
	store := NewCeremonyStore(DefaultCeremonyTTL)
	if _, ok := store.Take("no-such-session"); ok {
		t.Fatal("expected take of unknown id to fail")
	}
}

func TestCeremonyStore_Expiry(t *testing.T) {
	store := NewCeremonyStore(20 * time.Millisecond)

	sessionID, err := store.Put(PendingCeremony{UserID: uuid.New(), Kind: CeremonyRegistration})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, ok := store.Take(sessionID); ok {
		t.Fatal("expected expired ceremony to be gone")
	}
}

func TestCeremonyStore_LazyEviction(t *testing.T) {
	store := NewCeremonyStore(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		if _, err := store.Put(PendingCeremony{UserID: uuid.New(), Kind: CeremonyRegistration}); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	if store.Len() != 5 {
		t.Fatalf("expected 5 pending ceremonies, got %d", store.Len())
	}

	time.Sleep(40 * time.Millisecond)

	// The next mutation sweeps the expired entries.
	if _, err := store.Put(PendingCeremony{UserID: uuid.New(), Kind: CeremonyRegistration}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected only the fresh ceremony to remain, got %d", store.Len())
	}
}

func TestCeremonyStore_ConcurrentTakeHasOneWinner(t *testing.T) {
	store := NewCeremonyStore(DefaultCeremonyTTL)

	sessionID, err := store.Put(PendingCeremony{UserID: uuid.New(), Kind: CeremonyAuthentication})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}

	const attempts = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := store.Take(sessionID); ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one winning take, got %d", count)
	}
}

func TestCeremonyStore_ConsumeJTI(t *testing.T) {
	store := NewCeremonyStore(DefaultCeremonyTTL)

	if !store.IsJTIValid("jti-1") {
		t.Fatal("fresh jti should be valid")
	}
	if !store.ConsumeJTI("jti-1") {
		t.Fatal("first consume should succeed")
	}
	if store.ConsumeJTI("jti-1") {
		t.Fatal("second consume should fail")
	}
	if store.IsJTIValid("jti-1") {
		t.Fatal("consumed jti should no longer be valid")
	}
}
