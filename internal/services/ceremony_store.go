package services

import (
	"sync"
	"time"

	"github.com/caseflow/backend/pkg/utils"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// DefaultCeremonyTTL bounds how long a started passkey ceremony may
// wait for its finish call.
const DefaultCeremonyTTL = 300 * time.Second

type CeremonyKind string

const (
	CeremonyRegistration   CeremonyKind = "registration"
	CeremonyAuthentication CeremonyKind = "authentication"
)

// PendingCeremony is process-local state between a ceremony's start and
// finish. It is never persisted: a restart simply forces clients to
// restart the ceremony.
type PendingCeremony struct {
	UserID    uuid.UUID
	Kind      CeremonyKind
	Session   webauthn.SessionData
	CreatedAt time.Time
}

// CeremonyStore holds pending ceremonies and consumed MFA-token IDs
// behind one mutex. Expired entries are evicted lazily on every Put and
// Take; there is no background sweeper. Take removes atomically, so a
// session ID can be consumed at most once even when finish calls race.
type CeremonyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string]PendingCeremony
	jtis    map[string]time.Time
}

func NewCeremonyStore(ttl time.Duration) *CeremonyStore {
	if ttl <= 0 {
		ttl = DefaultCeremonyTTL
	}
	return &CeremonyStore{
		ttl:     ttl,
		pending: make(map[string]PendingCeremony),
		jtis:    make(map[string]time.Time),
	}
}

// Put stores state under a fresh random session ID and returns the ID.
func (s *CeremonyStore) Put(state PendingCeremony) (string, error) {
	sessionID, err := utils.NewRandomToken(16)
	if err != nil {
		return "", wrapError(ErrInternal, "failed to generate ceremony session id", err)
	}

	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(time.Now())
	s.pending[sessionID] = state
	return sessionID, nil
}

// Take removes and returns the state for sessionID. The second return
// is false when the ID is unknown, already consumed, or expired.
func (s *CeremonyStore) Take(sessionID string) (PendingCeremony, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(now)

	state, ok := s.pending[sessionID]
	if !ok {
		return PendingCeremony{}, false
	}
	delete(s.pending, sessionID)
	return state, true
}

// ConsumeJTI marks an MFA-token ID used. It returns false when the ID
// was already consumed.
func (s *CeremonyStore) ConsumeJTI(jti string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(now)

	if _, used := s.jtis[jti]; used {
		return false
	}
	s.jtis[jti] = now
	return true
}

// IsJTIValid reports whether an MFA-token ID is still unconsumed.
func (s *CeremonyStore) IsJTIValid(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, used := s.jtis[jti]
	return !used
}

// Len reports the number of live pending ceremonies.
func (s *CeremonyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// evictLocked drops entries older than the TTL. Callers hold s.mu.
func (s *CeremonyStore) evictLocked(now time.Time) {
	for id, state := range s.pending {
		if now.Sub(state.CreatedAt) > s.ttl {
			delete(s.pending, id)
		}
	}
	// Consumed JTIs only need to outlive the MFA token itself.
	for jti, consumedAt := range s.jtis {
		if now.Sub(consumedAt) > utils.MFATokenExpiry {
			delete(s.jtis, jti)
		}
	}
}
