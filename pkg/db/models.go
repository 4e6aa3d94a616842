package db

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrDuplicate is returned when a unique constraint (for example an account email) is violated.
var ErrDuplicate = errors.New("db: duplicate record")

// Job represents a row in the jobs table. LastRunTime is nil until a runner claims it.
type Job struct {
	ID          string          `json:"id"`
	Domain      string          `json:"domain"`
	Handler     string          `json:"handler"`
	Info        json.RawMessage `json:"info,omitempty"`
	AccountID   string          `json:"accountId"`
	NextRunTime time.Time       `json:"nextRunTime"`
	LastRunTime *time.Time      `json:"lastRunTime,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Created     time.Time       `json:"created"`
}

// Account represents a row in the accounts table.
type Account struct {
	ID                    string     `json:"id"`
	Email                 string     `json:"email"`
	PasswordHash          *string    `json:"-"`
	AuthCode              *string    `json:"-"`
	AuthCodeExpiry        *time.Time `json:"-"`
	RequirePasswordChange bool       `json:"requirePasswordChange"`
	Created               time.Time  `json:"created"`
	Modified              time.Time  `json:"modified"`
}

// Session represents a row in the sessions table. AuxID is the connection id the session
// is currently bound to.
type Session struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Token     string    `json:"token"`
	AuxID     *string   `json:"auxId,omitempty"`
	Expiry    time.Time `json:"expiry"`
	Created   time.Time `json:"created"`
}
