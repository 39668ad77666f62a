// Package tokens issues and validates opaque bearer tokens.
package tokens

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"authdesk/internal/apperr"
	"authdesk/internal/auth"
	"authdesk/internal/docstore"
	"authdesk/internal/models"
)

const DefaultTTL = 24 * time.Hour

// UserLookup resolves the owner of a token.
type UserLookup interface {
	GetUser(ctx context.Context, username string) (models.User, error)
}

type ClientMeta struct {
	IPAddress string
	UserAgent string
}

type IssuedToken struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Options struct {
	DefaultTTL time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

type Authority struct {
	tokens   *docstore.Collection[models.Token]
	sessions *docstore.Collection[models.Session]
	users    UserLookup
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func New(store *docstore.Store, users UserLookup, opts Options) *Authority {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Authority{
		tokens:   docstore.NewCollection[models.Token](store, docstore.Tokens),
		sessions: docstore.NewCollection[models.Session](store, docstore.Sessions),
		users:    users,
		ttl:      opts.DefaultTTL,
		now:      opts.Now,
		logger:   opts.Logger.With("module", "tokens"),
	}
}

// Issue creates a new token for username. Earlier tokens stay valid until
// their own expiry. ttl <= 0 uses the configured default.
func (a *Authority) Issue(ctx context.Context, username string, ttl time.Duration, meta ClientMeta) (IssuedToken, error) {
	if ttl <= 0 {
		ttl = a.ttl
	}
	raw, hash, err := auth.NewOpaqueToken()
	if err != nil {
		return IssuedToken{}, apperr.Wrap(apperr.ErrStorage, "generate token", err)
	}
	now := a.now()
	rec := models.Token{TokenHash: hash, Username: username, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	if err := a.tokens.Update(ctx, func(in []models.Token) ([]models.Token, error) {
		return append(in, rec), nil
	}); err != nil {
		return IssuedToken{}, err
	}

	sess := models.Session{
		ID:        uuid.NewString(),
		Username:  username,
		TokenHash: hash,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Active:    true,
		CreatedAt: now,
		ExpiresAt: rec.ExpiresAt,
	}
	// Sessions are advisory; a failed mirror write does not revoke the token.
	if err := a.sessions.Update(ctx, func(in []models.Session) ([]models.Session, error) {
		return append(in, sess), nil
	}); err != nil {
		a.logger.Warn("session record not written", "username", username, "error", err)
		sess.ID = ""
	}
	return IssuedToken{
		Token:     raw,
		Username:  username,
		SessionID: sess.ID,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Validate resolves a raw token to its live owner.
func (a *Authority) Validate(ctx context.Context, raw string) (models.User, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.User{}, apperr.WithReason(apperr.ErrAuthFailed, apperr.ErrTokenInvalid, "missing token")
	}
	hash := auth.HashToken(raw)
	toks, err := a.tokens.Load(ctx)
	if err != nil {
		return models.User{}, err
	}
	var found *models.Token
	for i := range toks {
		if subtle.ConstantTimeCompare([]byte(toks[i].TokenHash), []byte(hash)) == 1 {
			found = &toks[i]
			break
		}
	}
	if found == nil {
		return models.User{}, apperr.WithReason(apperr.ErrAuthFailed, apperr.ErrTokenInvalid, "invalid token")
	}
	if !a.now().Before(found.ExpiresAt) {
		return models.User{}, apperr.WithReason(apperr.ErrAuthFailed, apperr.ErrTokenExpired, "token expired")
	}
	u, err := a.users.GetUser(ctx, found.Username)
	if err != nil {
		if apperr.KindOf(err) == apperr.ErrNotFound {
			return models.User{}, apperr.WithReason(apperr.ErrAuthFailed, apperr.ErrTokenInvalid, "token owner no longer exists")
		}
		return models.User{}, err
	}
	if !u.Active {
		return models.User{}, apperr.WithReason(apperr.ErrAuthFailed, apperr.ErrTokenInvalid, "token owner is inactive")
	}
	return u, nil
}

// StripBearer extracts the token from an Authorization header value.
func StripBearer(header string) (string, bool) {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}

// ListSessions returns the active, unexpired sessions of username, or of
// every user when username is empty.
func (a *Authority) ListSessions(ctx context.Context, username string) ([]models.Session, error) {
	all, err := a.sessions.Load(ctx)
	if err != nil {
		return nil, err
	}
	now := a.now()
	out := make([]models.Session, 0, len(all))
	for _, s := range all {
		if username != "" && s.Username != username {
			continue
		}
		if !s.Active || !now.Before(s.ExpiresAt) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// PurgeExpired drops expired tokens and deactivates their sessions.
func (a *Authority) PurgeExpired(ctx context.Context) (int, error) {
	now := a.now()
	expired := map[string]struct{}{}
	err := a.tokens.Update(ctx, func(in []models.Token) ([]models.Token, error) {
		out := in[:0]
		for _, t := range in {
			if !now.Before(t.ExpiresAt) {
				expired[t.TokenHash] = struct{}{}
				continue
			}
			out = append(out, t)
		}
		return out, nil
	})
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	err = a.sessions.Update(ctx, func(in []models.Session) ([]models.Session, error) {
		for i := range in {
			if _, ok := expired[in[i].TokenHash]; ok {
				in[i].Active = false
			}
		}
		return in, nil
	})
	if err != nil {
		return len(expired), err
	}
	return len(expired), nil
}
