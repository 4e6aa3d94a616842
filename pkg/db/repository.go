package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgostovic/platform/pkg/commsutil"
)

const repoLogPrefix = "db:repository"

const uniqueViolation = "23505"

// Repository provides database access for jobs, accounts and sessions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// =========================================================================
// JOB OPERATIONS
// =========================================================================

const jobColumns = `id, domain, handler, info, account_id, next_run_time, last_run_time, error, created`

// CreateJob inserts a job. ID and Created are assigned here.
func (r *Repository) CreateJob(ctx context.Context, job *Job) error {
	job.ID = commsutil.NewID()
	job.Created = time.Now().UTC()
	slog.Debug(fmt.Sprintf("%s - CreateJob id=%s domain=%s handler=%s", repoLogPrefix, job.ID, job.Domain, job.Handler))

	_, err := r.pool.Exec(ctx,
		`INSERT INTO jobs (id, domain, handler, info, account_id, next_run_time, created)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.Domain, job.Handler, nullJSON(job.Info), job.AccountID, job.NextRunTime, job.Created)
	if err != nil {
		return fmt.Errorf("%s - CreateJob failed: %w", repoLogPrefix, err)
	}
	return nil
}

// JobsReadyToRun lists unexecuted jobs of domain due at or before now, oldest first.
func (r *Repository) JobsReadyToRun(ctx context.Context, domain string, now time.Time) ([]Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE domain = $1 AND last_run_time IS NULL AND next_run_time <= $2
		 ORDER BY next_run_time, id`, domain, now)
	if err != nil {
		return nil, fmt.Errorf("%s - JobsReadyToRun failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// NextJob returns the earliest unexecuted job of domain, or nil.
func (r *Repository) NextJob(ctx context.Context, domain string) (*Job, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE domain = $1 AND last_run_time IS NULL
		 ORDER BY next_run_time, id
		 LIMIT 1`, domain)

	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// ClaimJob sets last_run_time if no runner has claimed the job yet. It reports whether
// this call won the claim.
func (r *Repository) ClaimJob(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET last_run_time = $2 WHERE id = $1 AND last_run_time IS NULL`, id, now)
	if err != nil {
		return false, fmt.Errorf("%s - ClaimJob failed: %w", repoLogPrefix, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordJobError stores the failure message of a job run.
func (r *Repository) RecordJobError(ctx context.Context, id, message string) error {
	if _, err := r.pool.Exec(ctx, `UPDATE jobs SET error = $2 WHERE id = $1`, id, message); err != nil {
		return fmt.Errorf("%s - RecordJobError failed: %w", repoLogPrefix, err)
	}
	return nil
}

// GetJob finds a job by ID.
func (r *Repository) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// =========================================================================
// ACCOUNT OPERATIONS
// =========================================================================

const accountColumns = `id, email, password_hash, auth_code, auth_code_expiry, require_password_change, created, modified`

// CreateAccount inserts an account that must set a password. Returns ErrDuplicate when
// the email is taken.
func (r *Repository) CreateAccount(ctx context.Context, email, authCode string, codeExpiry time.Time) (*Account, error) {
	slog.Info(fmt.Sprintf("%s - CreateAccount email=%s", repoLogPrefix, email))
	now := time.Now().UTC()

	row := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (id, email, auth_code, auth_code_expiry, require_password_change, created, modified)
		 VALUES ($1, $2, $3, $4, true, $5, $5)
		 RETURNING `+accountColumns,
		commsutil.NewID(), email, authCode, codeExpiry, now)

	a, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return a, nil
}

// GetAccount finds an account by ID, or nil.
func (r *Repository) GetAccount(ctx context.Context, id string) (*Account, error) {
	return r.findAccount(ctx, `id = $1`, id)
}

// GetAccountByEmail finds an account by email, or nil.
func (r *Repository) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return r.findAccount(ctx, `email = $1`, email)
}

// GetAccountByAuthCode finds the account holding code, or nil.
func (r *Repository) GetAccountByAuthCode(ctx context.Context, code string) (*Account, error) {
	return r.findAccount(ctx, `auth_code = $1`, code)
}

func (r *Repository) findAccount(ctx context.Context, where string, arg any) (*Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+where+` LIMIT 1`, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// SetAuthCode replaces the account's one-time code.
func (r *Repository) SetAuthCode(ctx context.Context, accountID, code string, expiry time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE accounts SET auth_code = $2, auth_code_expiry = $3, modified = now() WHERE id = $1`,
		accountID, code, expiry)
	if err != nil {
		return fmt.Errorf("%s - SetAuthCode failed: %w", repoLogPrefix, err)
	}
	return nil
}

// SetPassword stores a password hash and clears the password-change requirement.
func (r *Repository) SetPassword(ctx context.Context, accountID, hash string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE accounts SET password_hash = $2, require_password_change = false, modified = now() WHERE id = $1`,
		accountID, hash)
	if err != nil {
		return fmt.Errorf("%s - SetPassword failed: %w", repoLogPrefix, err)
	}
	return nil
}

// =========================================================================
// SESSION OPERATIONS
// =========================================================================

const sessionColumns = `id, account_id, token, aux_id, expiry, created`

// CreateSession inserts a session bound to auxID.
func (r *Repository) CreateSession(ctx context.Context, accountID, token, auxID string, expiry time.Time) (*Session, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, account_id, token, aux_id, expiry, created)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, now())
		 RETURNING `+sessionColumns,
		commsutil.NewID(), accountID, token, auxID, expiry)
	return scanSession(row)
}

// FindSessionByToken returns the unexpired session holding token, or nil.
func (r *Repository) FindSessionByToken(ctx context.Context, token string, now time.Time) (*Session, error) {
	return r.findSession(ctx, `token = $1 AND expiry > $2`, token, now)
}

// FindSessionByAuxID returns the most recent session bound to the connection, or nil.
// Expiry is left for the caller to check.
func (r *Repository) FindSessionByAuxID(ctx context.Context, auxID string) (*Session, error) {
	return r.findSession(ctx, `aux_id = $1`, auxID)
}

func (r *Repository) findSession(ctx context.Context, where string, args ...any) (*Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+where+` ORDER BY created DESC LIMIT 1`, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// BindSession points the session at a new connection.
func (r *Repository) BindSession(ctx context.Context, sessionID, auxID string) error {
	if _, err := r.pool.Exec(ctx, `UPDATE sessions SET aux_id = $2 WHERE id = $1`, sessionID, auxID); err != nil {
		return fmt.Errorf("%s - BindSession failed: %w", repoLogPrefix, err)
	}
	return nil
}

// SetSessionExpiry moves the session's expiry.
func (r *Repository) SetSessionExpiry(ctx context.Context, sessionID string, expiry time.Time) error {
	if _, err := r.pool.Exec(ctx, `UPDATE sessions SET expiry = $2 WHERE id = $1`, sessionID, expiry); err != nil {
		return fmt.Errorf("%s - SetSessionExpiry failed: %w", repoLogPrefix, err)
	}
	return nil
}

// ActiveConnectionIDs lists the connections bound to unexpired sessions of accountID.
func (r *Repository) ActiveConnectionIDs(ctx context.Context, accountID string, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT aux_id FROM sessions
		 WHERE account_id = $1 AND expiry > $2 AND aux_id IS NOT NULL
		 ORDER BY aux_id`, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("%s - ActiveConnectionIDs failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s - scan connection id failed: %w", repoLogPrefix, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =========================================================================
// SCAN HELPERS
// =========================================================================

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var info []byte
	err := row.Scan(&j.ID, &j.Domain, &j.Handler, &info, &j.AccountID,
		&j.NextRunTime, &j.LastRunTime, &j.Error, &j.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan job failed: %w", repoLogPrefix, err)
	}
	j.Info = info
	return &j, nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.AuthCode, &a.AuthCodeExpiry,
		&a.RequirePasswordChange, &a.Created, &a.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan account failed: %w", repoLogPrefix, err)
	}
	return &a, nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.AccountID, &s.Token, &s.AuxID, &s.Expiry, &s.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan session failed: %w", repoLogPrefix, err)
	}
	return &s, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
