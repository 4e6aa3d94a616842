package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pgostovic/platform/pkg/db"
	"github.com/pgostovic/platform/pkg/message"
	"github.com/pgostovic/platform/pkg/reqctx"
)

const handlersLogPrefix = "auth:handlers"

// AuthStatus tells the client what the account must do before using the application.
type AuthStatus struct {
	RequirePasswordChange bool `json:"requirePasswordChange"`
}

type TokenInput struct {
	Token string `json:"token"`
}

type EmailInput struct {
	Email string `json:"email"`
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type CodeInput struct {
	Code string `json:"code"`
}

type PasswordInput struct {
	Password string `json:"password"`
}

// AccountRef names an account. An empty id means the caller's own account.
type AccountRef struct {
	AccountID string `json:"accountId,omitempty"`
}

// SessionResult is returned when a session is created. Token is stored by the client
// (usually as a cookie) and presented to authenticate on reconnect.
type SessionResult struct {
	Token      string     `json:"token"`
	AuthStatus AuthStatus `json:"authStatus"`
}

type ConnectionStatus struct {
	Valid     bool   `json:"valid"`
	AccountID string `json:"accountId"`
}

type DestroyResult struct {
	Destroyed bool `json:"destroyed"`
}

type ResetResult struct {
	Requested bool `json:"requested"`
}

// Notification is pushed to every connection of the caller's account.
type Notification struct {
	Type string          `json:"type"`
	Info json.RawMessage `json:"info,omitempty"`
}

type NotifyResult struct {
	Notified bool `json:"notified"`
}

// ConnectedEvent is broadcast as "auth.connected" whenever a session is created.
type ConnectedEvent struct {
	AccountID string `json:"accountId"`
}

func notAuthenticated() error {
	return message.NewAnomaly(message.CodeNotAuthenticated, "Not Authenticated")
}

func invalidContext() error {
	return message.NewAnomaly(message.CodeInvalidContext, "Invalid Context")
}

func invalidCode() error {
	return message.NewAnomaly(message.CodeInvalidCode, "Invalid or expired code")
}

func storeError(op string, err error) error {
	return fmt.Errorf("%s - %s: %w", handlersLogPrefix, op, err)
}

func connectionID(ctx context.Context) string {
	if scope, ok := reqctx.From(ctx); ok {
		return scope.ConnectionID()
	}
	return ""
}

// Authenticate binds the session holding token to the calling connection.
func (h *Handlers) Authenticate(ctx context.Context, in TokenInput) (AuthStatus, error) {
	if in.Token == "" {
		return AuthStatus{}, notAuthenticated()
	}
	session, err := h.store.FindSessionByToken(ctx, in.Token, h.now())
	if err != nil {
		return AuthStatus{}, storeError("find session", err)
	}
	if session == nil {
		return AuthStatus{}, notAuthenticated()
	}

	if connID := connectionID(ctx); connID != "" {
		if err := h.store.BindSession(ctx, session.ID, connID); err != nil {
			return AuthStatus{}, storeError("bind session", err)
		}
	}

	account, err := h.store.GetAccount(ctx, session.AccountID)
	if err != nil {
		return AuthStatus{}, storeError("get account", err)
	}
	if account == nil {
		return AuthStatus{}, notAuthenticated()
	}
	return AuthStatus{RequirePasswordChange: account.RequirePasswordChange}, nil
}

// currentSession returns the live session bound to the calling connection.
func (h *Handlers) currentSession(ctx context.Context) (*db.Session, error) {
	connID := connectionID(ctx)
	if connID == "" {
		return nil, notAuthenticated()
	}
	session, err := h.store.FindSessionByAuxID(ctx, connID)
	if err != nil {
		return nil, storeError("find session", err)
	}
	if session == nil || !session.Expiry.After(h.now()) {
		return nil, notAuthenticated()
	}
	return session, nil
}

// AuthenticateConnection reports the account the calling connection is signed in as.
func (h *Handlers) AuthenticateConnection(ctx context.Context, _ struct{}) (ConnectionStatus, error) {
	session, err := h.currentSession(ctx)
	if err != nil {
		return ConnectionStatus{}, err
	}
	return ConnectionStatus{Valid: true, AccountID: session.AccountID}, nil
}

// CreateAccount registers email with a fresh auth code. The account must set a password.
func (h *Handlers) CreateAccount(ctx context.Context, in EmailInput) (AuthStatus, error) {
	if !validEmail(in.Email) {
		return AuthStatus{}, invalidEmail()
	}
	code, err := newAuthCode()
	if err != nil {
		return AuthStatus{}, err
	}

	account, err := h.store.CreateAccount(ctx, in.Email, code, h.now().Add(AuthCodeExpiry))
	if errors.Is(err, db.ErrDuplicate) {
		return AuthStatus{}, message.NewAnomaly(message.CodeValidationFailed, "Account already exists")
	}
	if err != nil {
		return AuthStatus{}, storeError("create account", err)
	}
	slog.Info(fmt.Sprintf("%s - Created account %s", handlersLogPrefix, account.ID))
	return AuthStatus{RequirePasswordChange: account.RequirePasswordChange}, nil
}

// CreateSession signs the calling connection in with email and password.
func (h *Handlers) CreateSession(ctx context.Context, in Credentials) (SessionResult, error) {
	connID := connectionID(ctx)
	if connID == "" {
		return SessionResult{}, invalidContext()
	}

	account, err := h.store.GetAccountByEmail(ctx, in.Email)
	if err != nil {
		return SessionResult{}, storeError("find account", err)
	}
	if account == nil || account.PasswordHash == nil ||
		bcrypt.CompareHashAndPassword([]byte(*account.PasswordHash), []byte(in.Password)) != nil {
		return SessionResult{}, message.NewAnomaly(message.CodeInvalidCredentials, "Invalid Credentials")
	}
	return h.openSession(ctx, account, connID, CredentialsSessionExpiry)
}

// CreateSessionWithCode signs the calling connection in with an emailed auth code.
func (h *Handlers) CreateSessionWithCode(ctx context.Context, in CodeInput) (SessionResult, error) {
	connID := connectionID(ctx)
	if connID == "" {
		return SessionResult{}, invalidContext()
	}
	if in.Code == "" {
		return SessionResult{}, invalidCode()
	}

	account, err := h.store.GetAccountByAuthCode(ctx, in.Code)
	if err != nil {
		return SessionResult{}, storeError("find account", err)
	}
	if account == nil {
		return SessionResult{}, invalidCode()
	}
	if account.AuthCodeExpiry != nil && h.now().After(*account.AuthCodeExpiry) {
		return SessionResult{}, invalidCode()
	}
	return h.openSession(ctx, account, connID, AuthCodeSessionExpiry)
}

func (h *Handlers) openSession(ctx context.Context, account *db.Account, connID string, lifetime time.Duration) (SessionResult, error) {
	session, err := h.store.CreateSession(ctx, account.ID, uuid.NewString(), connID, h.now().Add(lifetime))
	if err != nil {
		return SessionResult{}, storeError("create session", err)
	}

	if scope, ok := reqctx.From(ctx); ok {
		if err := scope.Broadcast(ctx, "connected", ConnectedEvent{AccountID: account.ID}); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to broadcast connected for %s: %v", handlersLogPrefix, account.ID, err))
		}
	}
	return SessionResult{
		Token:      session.Token,
		AuthStatus: AuthStatus{RequirePasswordChange: account.RequirePasswordChange},
	}, nil
}

// DestroySession expires the session bound to the calling connection.
func (h *Handlers) DestroySession(ctx context.Context, _ struct{}) (DestroyResult, error) {
	connID := connectionID(ctx)
	if connID == "" {
		return DestroyResult{}, invalidContext()
	}
	session, err := h.store.FindSessionByAuxID(ctx, connID)
	if err != nil {
		return DestroyResult{}, storeError("find session", err)
	}
	if session == nil {
		return DestroyResult{}, message.NewAnomaly(message.CodeNotFound, "No current session")
	}
	if err := h.store.SetSessionExpiry(ctx, session.ID, h.now()); err != nil {
		return DestroyResult{}, storeError("expire session", err)
	}
	return DestroyResult{Destroyed: true}, nil
}

// GetAccount returns an account to a signed-in caller.
func (h *Handlers) GetAccount(ctx context.Context, in AccountRef) (*db.Account, error) {
	session, err := h.currentSession(ctx)
	if err != nil {
		return nil, err
	}
	id := in.AccountID
	if id == "" {
		id = session.AccountID
	}
	account, err := h.store.GetAccount(ctx, id)
	if err != nil {
		return nil, storeError("get account", err)
	}
	if account == nil {
		return nil, message.NewAnomaly(message.CodeNotFound, "Account not found")
	}
	return account, nil
}

// GetActiveConnectionIDs lists the connections bound to the account's live sessions.
// TODO: refuse calls that arrive through a gateway once requests carry their entry point.
func (h *Handlers) GetActiveConnectionIDs(ctx context.Context, in AccountRef) ([]string, error) {
	accountID := in.AccountID
	if accountID == "" {
		session, err := h.currentSession(ctx)
		if err != nil {
			return nil, err
		}
		accountID = session.AccountID
	}
	ids, err := h.store.ActiveConnectionIDs(ctx, accountID, h.now())
	if err != nil {
		return nil, storeError("list connections", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// NotifyCurrentAccountSessions pushes a notification to every connection of the caller's
// account, the calling one included.
func (h *Handlers) NotifyCurrentAccountSessions(ctx context.Context, in Notification) (NotifyResult, error) {
	session, err := h.currentSession(ctx)
	if err != nil {
		return NotifyResult{}, err
	}
	if in.Type == "" {
		return NotifyResult{}, message.NewAnomaly(message.CodeValidationFailed, "Notification type required")
	}
	scope, err := reqctx.MustFrom(ctx)
	if err != nil {
		return NotifyResult{}, err
	}
	if err := scope.Notify(ctx, in.Type, in.Info, session.AccountID); err != nil {
		return NotifyResult{}, err
	}
	return NotifyResult{Notified: true}, nil
}

// ResetPassword issues a new auth code when email belongs to an account. The reply is
// the same whether or not it does.
func (h *Handlers) ResetPassword(ctx context.Context, in EmailInput) (ResetResult, error) {
	if !validEmail(in.Email) {
		return ResetResult{}, invalidEmail()
	}
	account, err := h.store.GetAccountByEmail(ctx, in.Email)
	if err != nil {
		return ResetResult{}, storeError("find account", err)
	}
	if account != nil {
		code, err := newAuthCode()
		if err != nil {
			return ResetResult{}, err
		}
		if err := h.store.SetAuthCode(ctx, account.ID, code, h.now().Add(AuthCodeExpiry)); err != nil {
			return ResetResult{}, storeError("set auth code", err)
		}
		slog.Info(fmt.Sprintf("%s - Reset password path: /code/%s/set-password", handlersLogPrefix, code))
	}
	return ResetResult{Requested: true}, nil
}

// SetPassword sets the signed-in account's password. A short code session is extended to
// a credentials session.
func (h *Handlers) SetPassword(ctx context.Context, in PasswordInput) (AuthStatus, error) {
	session, err := h.currentSession(ctx)
	if err != nil {
		return AuthStatus{}, err
	}
	if in.Password == "" {
		return AuthStatus{}, message.NewAnomaly(message.CodeValidationFailed, "Password required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), h.cost)
	if err != nil {
		return AuthStatus{}, fmt.Errorf("%s - failed to hash password: %w", handlersLogPrefix, err)
	}
	if err := h.store.SetPassword(ctx, session.AccountID, string(hash)); err != nil {
		return AuthStatus{}, storeError("set password", err)
	}

	now := h.now()
	if session.Expiry.Sub(now) <= AuthCodeSessionExpiry {
		if err := h.store.SetSessionExpiry(ctx, session.ID, now.Add(CredentialsSessionExpiry)); err != nil {
			return AuthStatus{}, storeError("extend session", err)
		}
	}
	return AuthStatus{RequirePasswordChange: false}, nil
}
