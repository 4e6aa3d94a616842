// Package auth is the account and session domain. It issues session tokens, binds
// sessions to gateway connections and answers which account a connection belongs to.
package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/mail"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pgostovic/platform/pkg/db"
	"github.com/pgostovic/platform/pkg/message"
	"github.com/pgostovic/platform/pkg/service"
)

const logPrefix = "auth:auth"

// Domain is the auth domain name.
const Domain = "auth"

// Lifetimes of auth codes and sessions.
const (
	AuthCodeExpiry           = 5 * time.Minute
	AuthCodeSessionExpiry    = 10 * time.Minute
	CredentialsSessionExpiry = 30 * 24 * time.Hour
)

const (
	authCodeLength   = 10
	authCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
)

// Store is the persistence the auth domain needs. *db.Repository and *db.MemoryStore
// both satisfy it.
type Store interface {
	CreateAccount(ctx context.Context, email, authCode string, codeExpiry time.Time) (*db.Account, error)
	GetAccount(ctx context.Context, id string) (*db.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*db.Account, error)
	GetAccountByAuthCode(ctx context.Context, code string) (*db.Account, error)
	SetAuthCode(ctx context.Context, accountID, code string, expiry time.Time) error
	SetPassword(ctx context.Context, accountID, hash string) error
	CreateSession(ctx context.Context, accountID, token, auxID string, expiry time.Time) (*db.Session, error)
	FindSessionByToken(ctx context.Context, token string, now time.Time) (*db.Session, error)
	FindSessionByAuxID(ctx context.Context, auxID string) (*db.Session, error)
	BindSession(ctx context.Context, sessionID, auxID string) error
	SetSessionExpiry(ctx context.Context, sessionID string, expiry time.Time) error
	ActiveConnectionIDs(ctx context.Context, accountID string, now time.Time) ([]string, error)
}

// Option configures the handlers.
type Option func(*Handlers)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handlers) { h.now = now }
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(h *Handlers) { h.cost = cost }
}

// Handlers implements the auth domain over a Store.
type Handlers struct {
	store Store
	now   func() time.Time
	cost  int
}

// NewHandlers creates the auth handlers.
func NewHandlers(store Store, opts ...Option) *Handlers {
	h := &Handlers{store: store, now: time.Now, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register installs every auth handler on svc.
func (h *Handlers) Register(svc *service.Service) {
	svc.Handle("authenticate", service.Typed(h.Authenticate)).
		Handle("authenticateConnection", service.Typed(h.AuthenticateConnection)).
		Handle("createAccount", service.Typed(h.CreateAccount)).
		Handle("createSession", service.Typed(h.CreateSession)).
		Handle("createSessionWithCode", service.Typed(h.CreateSessionWithCode)).
		Handle("destroySession", service.Typed(h.DestroySession)).
		Handle("getAccount", service.Typed(h.GetAccount)).
		Handle("getActiveConnectionIds", service.Typed(h.GetActiveConnectionIDs)).
		Handle("notifyCurrentAccountSessions", service.Typed(h.NotifyCurrentAccountSessions)).
		Handle("resetPassword", service.Typed(h.ResetPassword)).
		Handle("setPassword", service.Typed(h.SetPassword))
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

func invalidEmail() error {
	return message.NewAnomaly(message.CodeValidationFailed, "Invalid email address")
}

// newAuthCode returns a random URL-safe code.
func newAuthCode() (string, error) {
	raw := make([]byte, authCodeLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("%s - failed to generate auth code: %w", logPrefix, err)
	}
	code := make([]byte, authCodeLength)
	for i, b := range raw {
		code[i] = authCodeAlphabet[int(b)%len(authCodeAlphabet)]
	}
	return string(code), nil
}
