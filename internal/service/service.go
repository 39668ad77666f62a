package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"authdesk/internal/apperr"
	"authdesk/internal/audit"
	"authdesk/internal/authz"
	"authdesk/internal/docstore"
	"authdesk/internal/metrics"
	"authdesk/internal/models"
	"authdesk/internal/notify"
	"authdesk/internal/tokens"
	"authdesk/internal/vault"
	"authdesk/internal/verification"
)

// ErrInvalidCredentials is the only login failure callers ever see.
var ErrInvalidCredentials error = &apperr.Error{Kind: apperr.ErrAuthFailed, Msg: "invalid credentials"}

type Deps struct {
	Store        *docstore.Store
	Vault        *vault.Vault
	Tokens       *tokens.Authority
	Verification *verification.Authority
	Audit        *audit.Ledger
	Sender       notify.Sender
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Now          func() time.Time

	TokenTTL time.Duration
	// ExposeCodes returns verification codes in API responses. Only for the log sender.
	ExposeCodes bool
}

type Service struct {
	store    *docstore.Store
	vault    *vault.Vault
	tokens   *tokens.Authority
	verify   *verification.Authority
	ledger   *audit.Ledger
	sender   notify.Sender
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	tokenTTL time.Duration
	expose   bool
}

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Sender == nil {
		d.Sender = notify.NewLogSender(d.Logger)
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:    d.Store,
		vault:    d.Vault,
		tokens:   d.Tokens,
		verify:   d.Verification,
		ledger:   d.Audit,
		sender:   d.Sender,
		metrics:  d.Metrics,
		logger:   d.Logger.With("module", "service"),
		now:      d.Now,
		tokenTTL: d.TokenTTL,
		expose:   d.ExposeCodes,
	}
}

// UserView is a user record without its password hash.
type UserView struct {
	Username    string      `json:"username"`
	Role        models.Role `json:"role"`
	Active      bool        `json:"active"`
	Permissions []string    `json:"permissions"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func ViewOf(u models.User) UserView {
	return UserView{
		Username:    u.Username,
		Role:        u.Role,
		Active:      u.Active,
		Permissions: authz.Permissions(u.Role),
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

type LoginResult struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	SessionID string    `json:"session_id,omitempty"`
	User      UserView  `json:"user"`
}

// Login authenticates and issues a token. Every credential failure is
// reported as ErrInvalidCredentials; the real reason only goes to the audit log.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return LoginResult{}, apperr.Validation("username and password are required")
	}
	u, err := s.vault.Authenticate(ctx, username, password)
	if err != nil {
		if apperr.KindOf(err) != apperr.ErrAuthFailed {
			return LoginResult{}, err
		}
		s.metrics.Login("failure")
		s.record(ctx, audit.ActionLoginFailed, username, map[string]any{"reason": reasonOf(err)})
		return LoginResult{}, ErrInvalidCredentials
	}
	client := audit.ClientFrom(ctx)
	tok, err := s.tokens.Issue(ctx, u.Username, s.tokenTTL, tokens.ClientMeta{IPAddress: client.IP, UserAgent: client.UserAgent})
	if err != nil {
		return LoginResult{}, err
	}
	s.metrics.Login("success")
	s.record(ctx, audit.ActionLoginSuccess, u.Username, map[string]any{"role": string(u.Role), "session_id": tok.SessionID})
	return LoginResult{
		Token:     tok.Token,
		TokenType: "Bearer",
		ExpiresAt: tok.ExpiresAt,
		SessionID: tok.SessionID,
		User:      ViewOf(u),
	}, nil
}

// Register creates an account on behalf of an administrator.
func (s *Service) Register(ctx context.Context, actor models.User, username, password string, role models.Role) (UserView, error) {
	if !authz.Can(actor.Role, authz.PermManageUsers) {
		return UserView{}, apperr.New(apperr.ErrForbidden, "only administrators can register users")
	}
	u, err := s.vault.Register(ctx, strings.TrimSpace(username), password, role)
	if err != nil {
		return UserView{}, err
	}
	s.record(ctx, audit.ActionUserCreated, u.Username, map[string]any{"role": string(u.Role)})
	s.record(ctx, audit.ActionUserRegistered, actor.Username, map[string]any{"new_user": u.Username, "role": string(u.Role)})
	return ViewOf(u), nil
}

// VerifyToken resolves an Authorization header value to its user.
func (s *Service) VerifyToken(ctx context.Context, header string) (models.User, error) {
	raw, ok := tokens.StripBearer(header)
	if !ok {
		s.metrics.TokenValidation("missing")
		return models.User{}, apperr.WithReason(apperr.ErrAuthFailed, apperr.ErrTokenInvalid, "missing bearer token")
	}
	u, err := s.tokens.Validate(ctx, raw)
	switch {
	case err == nil:
		s.metrics.TokenValidation("valid")
	case errors.Is(err, apperr.ErrTokenExpired):
		s.metrics.TokenValidation("expired")
	case errors.Is(err, apperr.ErrTokenInvalid):
		s.metrics.TokenValidation("invalid")
	default:
		s.metrics.TokenValidation("error")
	}
	return u, err
}

// Ready reports whether the user document can be read.
func (s *Service) Ready(ctx context.Context) error {
	_, err := s.vault.ListUsers(ctx)
	return err
}

func (s *Service) CheckRole(role models.Role, allowed ...models.Role) bool {
	return authz.Allow(role, allowed...)
}

func (s *Service) ListUsers(ctx context.Context, actor models.User) ([]UserView, error) {
	if !authz.Can(actor.Role, authz.PermManageUsers) {
		return nil, apperr.New(apperr.ErrForbidden, "insufficient permissions")
	}
	users, err := s.vault.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]UserView, 0, len(users))
	for _, u := range users {
		out = append(out, ViewOf(u))
	}
	return out, nil
}

// SetUserActive soft-activates or deactivates an account.
func (s *Service) SetUserActive(ctx context.Context, actor models.User, username string, active bool) (UserView, error) {
	if !authz.Can(actor.Role, authz.PermManageUsers) {
		return UserView{}, apperr.New(apperr.ErrForbidden, "insufficient permissions")
	}
	if !active && actor.Username == username {
		return UserView{}, apperr.Validation("administrators cannot deactivate themselves")
	}
	u, err := s.vault.SetActive(ctx, username, active)
	if err != nil {
		return UserView{}, err
	}
	action := audit.ActionUserDeactivated
	if active {
		action = audit.ActionUserActivated
	}
	s.record(ctx, action, actor.Username, map[string]any{"target": username})
	return ViewOf(u), nil
}

func (s *Service) ChangePassword(ctx context.Context, username, current, next string) error {
	if err := s.vault.ChangePassword(ctx, username, current, next); err != nil {
		return err
	}
	s.record(ctx, audit.ActionPasswordChanged, username, nil)
	return nil
}

func (s *Service) ListSessions(ctx context.Context, username string) ([]models.Session, error) {
	return s.tokens.ListSessions(ctx, username)
}

// record appends an audit entry. A failed append is logged and does not undo
// the action it describes.
func (s *Service) record(ctx context.Context, action, username string, details map[string]any) {
	if _, err := s.ledger.Append(ctx, action, username, details); err != nil {
		s.logger.Error("audit append failed", "action", action, "username", username, "error", err)
		return
	}
	s.metrics.Audit(action)
}

func reasonOf(err error) string {
	for _, r := range []error{
		apperr.ErrUnknownUser, apperr.ErrWrongPassword, apperr.ErrInactiveUser,
		apperr.ErrTokenInvalid, apperr.ErrTokenExpired,
		apperr.ErrCodeIncorrect, apperr.ErrCodeExpired, apperr.ErrAttemptsExceeded, apperr.ErrCodeNotFound,
	} {
		if errors.Is(err, r) {
			return strings.ReplaceAll(r.Error(), " ", "_")
		}
	}
	if k := apperr.KindOf(err); k != nil {
		return strings.ReplaceAll(k.Error(), " ", "_")
	}
	return fmt.Sprintf("%T", err)
}
