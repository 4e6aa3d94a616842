package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// store is the operation set shared by Repository and MemoryStore.
type store interface {
	CreateJob(ctx context.Context, job *Job) error
	JobsReadyToRun(ctx context.Context, domain string, now time.Time) ([]Job, error)
	NextJob(ctx context.Context, domain string) (*Job, error)
	ClaimJob(ctx context.Context, id string, now time.Time) (bool, error)
	RecordJobError(ctx context.Context, id, message string) error
	GetJob(ctx context.Context, id string) (*Job, error)
	CreateAccount(ctx context.Context, email, authCode string, codeExpiry time.Time) (*Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	GetAccountByAuthCode(ctx context.Context, code string) (*Account, error)
	SetAuthCode(ctx context.Context, accountID, code string, expiry time.Time) error
	SetPassword(ctx context.Context, accountID, hash string) error
	CreateSession(ctx context.Context, accountID, token, auxID string, expiry time.Time) (*Session, error)
	FindSessionByToken(ctx context.Context, token string, now time.Time) (*Session, error)
	FindSessionByAuxID(ctx context.Context, auxID string) (*Session, error)
	BindSession(ctx context.Context, sessionID, auxID string) error
	SetSessionExpiry(ctx context.Context, sessionID string, expiry time.Time) error
	ActiveConnectionIDs(ctx context.Context, accountID string, now time.Time) ([]string, error)
}

var (
	_ store = (*Repository)(nil)
	_ store = (*MemoryStore)(nil)
)

const suitePrefix = "db:store_suite_test"

// runStoreSuite exercises s; domain and email must be unique per run.
func runStoreSuite(t *testing.T, s store, domain, email string) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("jobs", func(t *testing.T) {
		past := &Job{Domain: domain, Handler: "past", Info: json.RawMessage(`{"n":1}`), AccountID: "a1", NextRunTime: now.Add(-time.Minute)}
		future := &Job{Domain: domain, Handler: "future", AccountID: "a1", NextRunTime: now.Add(time.Hour)}
		for _, j := range []*Job{future, past} {
			if err := s.CreateJob(ctx, j); err != nil {
				t.Fatalf("%s - CreateJob failed: %v", suitePrefix, err)
			}
			if j.ID == "" {
				t.Fatalf("%s - CreateJob did not assign an id", suitePrefix)
			}
		}

		ready, err := s.JobsReadyToRun(ctx, domain, now)
		if err != nil {
			t.Fatalf("%s - JobsReadyToRun failed: %v", suitePrefix, err)
		}
		if len(ready) != 1 || ready[0].ID != past.ID {
			t.Fatalf("%s - ready = %+v, want only %s", suitePrefix, ready, past.ID)
		}

		next, err := s.NextJob(ctx, domain)
		if err != nil || next == nil || next.ID != past.ID {
			t.Fatalf("%s - NextJob = %+v, %v", suitePrefix, next, err)
		}

		won, err := s.ClaimJob(ctx, past.ID, now)
		if err != nil || !won {
			t.Fatalf("%s - first claim = %v, %v", suitePrefix, won, err)
		}
		won, err = s.ClaimJob(ctx, past.ID, now)
		if err != nil || won {
			t.Fatalf("%s - second claim should lose, got %v, %v", suitePrefix, won, err)
		}

		if err := s.RecordJobError(ctx, past.ID, "boom"); err != nil {
			t.Fatalf("%s - RecordJobError failed: %v", suitePrefix, err)
		}
		got, err := s.GetJob(ctx, past.ID)
		if err != nil || got == nil {
			t.Fatalf("%s - GetJob = %v, %v", suitePrefix, got, err)
		}
		if got.LastRunTime == nil || got.Error == nil || *got.Error != "boom" {
			t.Errorf("%s - job not completed with error: %+v", suitePrefix, got)
		}

		next, err = s.NextJob(ctx, domain)
		if err != nil || next == nil || next.ID != future.ID {
			t.Fatalf("%s - NextJob after claim = %+v, %v", suitePrefix, next, err)
		}
		if none, err := s.NextJob(ctx, domain+"-empty"); err != nil || none != nil {
			t.Errorf("%s - expected no job for empty domain, got %+v, %v", suitePrefix, none, err)
		}
	})

	t.Run("accounts and sessions", func(t *testing.T) {
		acct, err := s.CreateAccount(ctx, email, "code-"+domain, now.Add(5*time.Minute))
		if err != nil {
			t.Fatalf("%s - CreateAccount failed: %v", suitePrefix, err)
		}
		if !acct.RequirePasswordChange {
			t.Errorf("%s - new account must require a password change", suitePrefix)
		}
		if _, err := s.CreateAccount(ctx, email, "other-"+domain, now); !errors.Is(err, ErrDuplicate) {
			t.Errorf("%s - expected ErrDuplicate, got %v", suitePrefix, err)
		}

		byCode, err := s.GetAccountByAuthCode(ctx, "code-"+domain)
		if err != nil || byCode == nil || byCode.ID != acct.ID {
			t.Fatalf("%s - GetAccountByAuthCode = %+v, %v", suitePrefix, byCode, err)
		}

		if err := s.SetPassword(ctx, acct.ID, "hash"); err != nil {
			t.Fatalf("%s - SetPassword failed: %v", suitePrefix, err)
		}
		byEmail, err := s.GetAccountByEmail(ctx, email)
		if err != nil || byEmail == nil || byEmail.RequirePasswordChange || byEmail.PasswordHash == nil {
			t.Fatalf("%s - account after SetPassword = %+v, %v", suitePrefix, byEmail, err)
		}

		live, err := s.CreateSession(ctx, acct.ID, "tok-live-"+domain, domain+".c1", now.Add(time.Hour))
		if err != nil {
			t.Fatalf("%s - CreateSession failed: %v", suitePrefix, err)
		}
		if _, err := s.CreateSession(ctx, acct.ID, "tok-dead-"+domain, domain+".c2", now.Add(-time.Hour)); err != nil {
			t.Fatalf("%s - CreateSession failed: %v", suitePrefix, err)
		}

		if sess, err := s.FindSessionByToken(ctx, "tok-dead-"+domain, now); err != nil || sess != nil {
			t.Errorf("%s - expired token should not be found: %+v, %v", suitePrefix, sess, err)
		}
		sess, err := s.FindSessionByToken(ctx, "tok-live-"+domain, now)
		if err != nil || sess == nil || sess.ID != live.ID {
			t.Fatalf("%s - FindSessionByToken = %+v, %v", suitePrefix, sess, err)
		}

		if err := s.BindSession(ctx, live.ID, domain+".c3"); err != nil {
			t.Fatalf("%s - BindSession failed: %v", suitePrefix, err)
		}
		bound, err := s.FindSessionByAuxID(ctx, domain+".c3")
		if err != nil || bound == nil || bound.ID != live.ID {
			t.Fatalf("%s - FindSessionByAuxID = %+v, %v", suitePrefix, bound, err)
		}

		ids, err := s.ActiveConnectionIDs(ctx, acct.ID, now)
		if err != nil {
			t.Fatalf("%s - ActiveConnectionIDs failed: %v", suitePrefix, err)
		}
		if len(ids) != 1 || ids[0] != domain+".c3" {
			t.Errorf("%s - active ids = %v", suitePrefix, ids)
		}

		if err := s.SetSessionExpiry(ctx, live.ID, now.Add(-time.Second)); err != nil {
			t.Fatalf("%s - SetSessionExpiry failed: %v", suitePrefix, err)
		}
		if ids, _ := s.ActiveConnectionIDs(ctx, acct.ID, now); len(ids) != 0 {
			t.Errorf("%s - expired session still active: %v", suitePrefix, ids)
		}
		if missing, err := s.GetAccount(ctx, "nope"); err != nil || missing != nil {
			t.Errorf("%s - GetAccount(nope) = %+v, %v", suitePrefix, missing, err)
		}
	})
}
