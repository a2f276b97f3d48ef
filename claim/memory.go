package claim

import (
	"context"
	"sync"
	"time"

	"palpable"
)

// MemoryStore keeps the claim record in memory. It backs the workflow when
// the state database cannot be opened.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]palpable.ClaimSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]palpable.ClaimSession)}
}

func (s *MemoryStore) Session(_ context.Context, deviceID string) (palpable.ClaimSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[deviceID]
	if !ok {
		return palpable.ClaimSession{DeviceID: deviceID}, nil
	}
	return sess, nil
}

func (s *MemoryStore) SetCode(_ context.Context, deviceID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[deviceID]
	if sess.Claimed {
		return nil
	}
	sess.DeviceID, sess.Code = deviceID, code
	s.sessions[deviceID] = sess
	return nil
}

func (s *MemoryStore) MarkClaimed(_ context.Context, deviceID, code string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[deviceID].Claimed {
		return nil
	}
	s.sessions[deviceID] = palpable.ClaimSession{Code: code, DeviceID: deviceID, Claimed: true, ClaimedAt: at}
	return nil
}
