// Package auth authorizes inbound events against the user token table.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/PolygramInfo/IFC-RPC/backend"
	"github.com/PolygramInfo/IFC-RPC/errors"
)

// DefaultTable is the KV table holding user token records.
const DefaultTable = "users"

// TokenRecord is a stored user credential. Tokens are issued out of
// band; this service only checks presented tokens against it.
type TokenRecord struct {
	UserHash     string    `json:"user_hash"`
	Token        string    `json:"token"`
	TokenExpires time.Time `json:"token_expires"`
}

// Decision is the outcome of an authorization check, carrying the
// HTTP-equivalent status the ingress surface mirrors to the caller.
type Decision struct {
	Status  int
	Reason  string
	UserRef string
}

// Allowed reports whether the check passed
func (d Decision) Allowed() bool { return d.Status == http.StatusOK }

// Authenticator checks presented credentials against the user table.
type Authenticator struct {
	kv     backend.KV
	table  string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Authenticator
type Option func(*Authenticator)

// WithTable overrides the KV table name
func WithTable(table string) Option {
	return func(a *Authenticator) { a.table = table }
}

// WithLogger sets the authenticator logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) { a.logger = logger }
}

// WithClock overrides the time source, for expiry tests
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// New creates an authenticator over the given KV backend
func New(kv backend.KV, opts ...Option) *Authenticator {
	a := &Authenticator{
		kv:     kv,
		table:  DefaultTable,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize checks a presented user hash and token. A denial returns a
// *errors.AuthError alongside the Decision carrying the same status:
// 400 for missing credentials, 404 for an unknown user, 401 for a
// mismatched or expired token. Backend failures return a transient
// error and a zero Decision.
func (a *Authenticator) Authorize(ctx context.Context, userHash, token string) (Decision, error) {
	if userHash == "" || token == "" {
		return a.deny(http.StatusBadRequest, userHash, "missing user hash or token")
	}

	record, err := a.kv.Get(ctx, a.table, userHash)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return a.deny(http.StatusNotFound, userHash, "unknown user")
		}
		return Decision{}, errors.WrapTransient(err, "Authenticator", "Authorize", "load user record")
	}

	var stored TokenRecord
	if err := json.Unmarshal(record.Value, &stored); err != nil {
		return Decision{}, errors.WrapFatal(err, "Authenticator", "Authorize", "decode user record")
	}

	if subtle.ConstantTimeCompare([]byte(stored.Token), []byte(token)) != 1 {
		return a.deny(http.StatusUnauthorized, userHash, "token mismatch")
	}
	if !stored.TokenExpires.IsZero() && !a.now().Before(stored.TokenExpires) {
		return a.deny(http.StatusUnauthorized, userHash, "token expired")
	}

	return Decision{Status: http.StatusOK, UserRef: userHash}, nil
}

func (a *Authenticator) deny(status int, userHash, reason string) (Decision, error) {
	a.logger.Warn("authorization denied", "status", status, "reason", reason)
	decision := Decision{Status: status, Reason: reason, UserRef: userHash}
	return decision, errors.NewAuthError(status, userHash, reason)
}

// Register stores a user token record, replacing any previous one
func (a *Authenticator) Register(ctx context.Context, record TokenRecord) error {
	if record.UserHash == "" || record.Token == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Authenticator", "Register", "check record")
	}

	value, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "Authenticator", "Register", "encode record")
	}
	if err := a.kv.Put(ctx, a.table, record.UserHash, value); err != nil {
		return errors.Wrap(err, "Authenticator", "Register", "store record")
	}
	return nil
}
