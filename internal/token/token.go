// Package token implements the callback token service: one-time,
// job-scoped secrets that authenticate agent phone-home events. They are
// distinct from user API keys and never exposed to the user; the only
// copy outside this process lives in the instance's boot configuration.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// Classification sentinels. ErrInvalid covers unknown, consumed, and
// terminal-job tokens; ErrExpired covers tokens issued for an earlier
// provisioning attempt (a stale agent on a recreated instance).
var (
	ErrInvalid = errors.New("token invalid")
	ErrExpired = errors.New("token expired")
)

const secretPrefix = "cbt_"

type record struct {
	jobID    string
	epoch    int
	issuedAt time.Time
	replaced bool // superseded by a newer token for the same job
}

// Service issues and validates callback tokens. At most one token is
// valid per job at any time. State is bounded by the number of live
// jobs: superseded records older than the immediately prior attempt are
// pruned on Issue, and Invalidate removes every trace of the job.
type Service struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]*record // secret -> record
	current map[string]string  // jobID -> current secret
	prior   map[string]string  // jobID -> most recently superseded secret
	epochs  map[string]int     // jobID -> latest provisioning attempt
}

// NewService creates an empty token service.
func NewService() *Service {
	return &Service{
		now:     time.Now,
		records: make(map[string]*record),
		current: make(map[string]string),
		prior:   make(map[string]string),
		epochs:  make(map[string]int),
	}
}

// Issue creates a new token for a job, invalidating and replacing any
// prior token. Each call starts a new provisioning epoch, so events from
// an agent booted with an older token are rejected as expired.
func (s *Service) Issue(jobID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := secretPrefix + hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.current[jobID]; ok {
		s.records[prev].replaced = true
		// Keep only the most recent superseded secret; an agent two or
		// more attempts behind falls through to unknown-token rejection.
		if old, ok := s.prior[jobID]; ok {
			delete(s.records, old)
		}
		s.prior[jobID] = prev
	}

	s.epochs[jobID]++
	s.records[secret] = &record{
		jobID:    jobID,
		epoch:    s.epochs[jobID],
		issuedAt: s.now(),
	}
	s.current[jobID] = secret
	return secret, nil
}

// Validate resolves a token to its job id. It fails with ErrInvalid for
// unknown or consumed tokens and ErrExpired for tokens from a superseded
// provisioning attempt. No state is changed on failure.
func (s *Service) Validate(secret string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[secret]
	if !ok {
		return "", ErrInvalid
	}
	if rec.replaced || rec.epoch != s.epochs[rec.jobID] {
		return "", ErrExpired
	}
	return rec.jobID, nil
}

// Invalidate consumes the job's tokens and drops all of its state. It
// is idempotent and is called synchronously with every terminal
// transition, so a replayed event can never re-finalize a job.
func (s *Service) Invalidate(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if secret, ok := s.current[jobID]; ok {
		delete(s.records, secret)
		delete(s.current, jobID)
	}
	if secret, ok := s.prior[jobID]; ok {
		delete(s.records, secret)
		delete(s.prior, jobID)
	}
	delete(s.epochs, jobID)
}
