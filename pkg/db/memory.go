package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pgostovic/platform/pkg/commsutil"
)

// MemoryStore is an in-process implementation of the repository operations, used by unit
// tests and by processes started without DATABASE_URL.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	accounts map[string]*Account
	sessions map[string]*Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     map[string]*Job{},
		accounts: map[string]*Account{},
		sessions: map[string]*Session{},
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.ID = commsutil.NewID()
	job.Created = time.Now().UTC()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) JobsReadyToRun(_ context.Context, domain string, now time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.pendingJobs(domain) {
		if !j.NextRunTime.After(now) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *MemoryStore) NextJob(_ context.Context, domain string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.pendingJobs(domain)
	if len(pending) == 0 {
		return nil, nil
	}
	cp := *pending[0]
	return &cp, nil
}

// pendingJobs returns unexecuted jobs ordered like the SQL store. Caller holds mu.
func (m *MemoryStore) pendingJobs(domain string) []*Job {
	var out []*Job
	for _, j := range m.jobs {
		if j.Domain == domain && j.LastRunTime == nil {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].NextRunTime.Equal(out[b].NextRunTime) {
			return out[a].NextRunTime.Before(out[b].NextRunTime)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

func (m *MemoryStore) ClaimJob(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.LastRunTime != nil {
		return false, nil
	}
	j.LastRunTime = &now
	return true, nil
}

func (m *MemoryStore) RecordJobError(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Error = &message
	}
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) CreateAccount(_ context.Context, email, authCode string, codeExpiry time.Time) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Email == email {
			return nil, ErrDuplicate
		}
	}
	now := time.Now().UTC()
	a := &Account{
		ID:                    commsutil.NewID(),
		Email:                 email,
		AuthCode:              &authCode,
		AuthCodeExpiry:        &codeExpiry,
		RequirePasswordChange: true,
		Created:               now,
		Modified:              now,
	}
	m.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*Account, error) {
	return m.findAccount(func(a *Account) bool { return a.ID == id }), nil
}

func (m *MemoryStore) GetAccountByEmail(_ context.Context, email string) (*Account, error) {
	return m.findAccount(func(a *Account) bool { return a.Email == email }), nil
}

func (m *MemoryStore) GetAccountByAuthCode(_ context.Context, code string) (*Account, error) {
	return m.findAccount(func(a *Account) bool { return a.AuthCode != nil && *a.AuthCode == code }), nil
}

func (m *MemoryStore) findAccount(match func(*Account) bool) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if match(a) {
			cp := *a
			return &cp
		}
	}
	return nil
}

func (m *MemoryStore) SetAuthCode(_ context.Context, accountID, code string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[accountID]; ok {
		a.AuthCode = &code
		a.AuthCodeExpiry = &expiry
		a.Modified = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) SetPassword(_ context.Context, accountID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[accountID]; ok {
		a.PasswordHash = &hash
		a.RequirePasswordChange = false
		a.Modified = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) CreateSession(_ context.Context, accountID, token, auxID string, expiry time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Session{
		ID:        commsutil.NewID(),
		AccountID: accountID,
		Token:     token,
		Expiry:    expiry,
		Created:   time.Now().UTC(),
	}
	if auxID != "" {
		s.AuxID = &auxID
	}
	m.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) FindSessionByToken(_ context.Context, token string, now time.Time) (*Session, error) {
	return m.latestSession(func(s *Session) bool { return s.Token == token && s.Expiry.After(now) }), nil
}

func (m *MemoryStore) FindSessionByAuxID(_ context.Context, auxID string) (*Session, error) {
	return m.latestSession(func(s *Session) bool { return s.AuxID != nil && *s.AuxID == auxID }), nil
}

func (m *MemoryStore) latestSession(match func(*Session) bool) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Session
	for _, s := range m.sessions {
		if !match(s) {
			continue
		}
		if best == nil || s.Created.After(best.Created) || (s.Created.Equal(best.Created) && s.ID > best.ID) {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func (m *MemoryStore) BindSession(_ context.Context, sessionID, auxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.AuxID = &auxID
	}
	return nil
}

func (m *MemoryStore) SetSessionExpiry(_ context.Context, sessionID string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Expiry = expiry
	}
	return nil
}

func (m *MemoryStore) ActiveConnectionIDs(_ context.Context, accountID string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var ids []string
	for _, s := range m.sessions {
		if s.AccountID != accountID || !s.Expiry.After(now) || s.AuxID == nil || seen[*s.AuxID] {
			continue
		}
		seen[*s.AuxID] = true
		ids = append(ids, *s.AuxID)
	}
	sort.Strings(ids)
	return ids, nil
}
