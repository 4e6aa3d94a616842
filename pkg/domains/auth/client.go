package auth

import (
	"context"

	"github.com/pgostovic/platform/pkg/client"
	"github.com/pgostovic/platform/pkg/db"
	"github.com/pgostovic/platform/pkg/reqctx"
)

// Client is the typed view of the auth domain. Calls carry the identity of the scope in
// ctx, so sessions bind to the caller's connection.
type Client struct {
	c reqctx.Caller
}

// NewClient wraps c, usually a *client.Client for the auth domain or a scope-bound caller.
func NewClient(c reqctx.Caller) *Client {
	return &Client{c: c}
}

func (a *Client) Authenticate(ctx context.Context, token string) (AuthStatus, error) {
	return client.Invoke[AuthStatus](ctx, a.c, "authenticate", TokenInput{Token: token})
}

func (a *Client) AuthenticateConnection(ctx context.Context) (ConnectionStatus, error) {
	return client.Invoke[ConnectionStatus](ctx, a.c, "authenticateConnection", nil)
}

func (a *Client) CreateAccount(ctx context.Context, email string) (AuthStatus, error) {
	return client.Invoke[AuthStatus](ctx, a.c, "createAccount", EmailInput{Email: email})
}

func (a *Client) CreateSession(ctx context.Context, email, password string) (SessionResult, error) {
	return client.Invoke[SessionResult](ctx, a.c, "createSession", Credentials{Email: email, Password: password})
}

func (a *Client) CreateSessionWithCode(ctx context.Context, code string) (SessionResult, error) {
	return client.Invoke[SessionResult](ctx, a.c, "createSessionWithCode", CodeInput{Code: code})
}

func (a *Client) DestroySession(ctx context.Context) (DestroyResult, error) {
	return client.Invoke[DestroyResult](ctx, a.c, "destroySession", nil)
}

func (a *Client) GetAccount(ctx context.Context, accountID string) (*db.Account, error) {
	return client.Invoke[*db.Account](ctx, a.c, "getAccount", AccountRef{AccountID: accountID})
}

func (a *Client) GetActiveConnectionIDs(ctx context.Context, accountID string) ([]string, error) {
	return client.Invoke[[]string](ctx, a.c, "getActiveConnectionIds", AccountRef{AccountID: accountID})
}

func (a *Client) ResetPassword(ctx context.Context, email string) (ResetResult, error) {
	return client.Invoke[ResetResult](ctx, a.c, "resetPassword", EmailInput{Email: email})
}

func (a *Client) SetPassword(ctx context.Context, password string) (AuthStatus, error) {
	return client.Invoke[AuthStatus](ctx, a.c, "setPassword", PasswordInput{Password: password})
}
