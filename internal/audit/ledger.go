package audit

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"authdesk/internal/docstore"
	"authdesk/internal/models"
)

const (
	ActionLoginSuccess         = "LOGIN_SUCCESS"
	ActionLoginFailed          = "LOGIN_FAILED"
	ActionUserRegistered       = "USER_REGISTERED"
	ActionUserCreated          = "USER_CREATED"
	ActionUserActivated        = "USER_ACTIVATED"
	ActionUserDeactivated      = "USER_DEACTIVATED"
	ActionPasswordChanged      = "PASSWORD_CHANGED"
	ActionProfileUpdated       = "PROFILE_UPDATED"
	ActionVerificationCodeSent = "VERIFICATION_CODE_SENT"
	ActionVerificationFailed   = "VERIFICATION_FAILED"
	ActionProfileVerified      = "PROFILE_VERIFIED"
	ActionShareRequested       = "PROFILE_SHARE_REQUESTED"
	ActionShareApproved        = "PROFILE_SHARE_APPROVED"
	ActionShareRejected        = "PROFILE_SHARE_REJECTED"
	ActionDataExported         = "DATA_EXPORTED"
	ActionUserDataExported     = "USER_DATA_EXPORTED"
	ActionMaintenancePurge     = "MAINTENANCE_PURGE"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

type Options struct {
	DefaultLimit int
	MaxLimit     int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Ledger is the append-only audit trail.
type Ledger struct {
	entries      *docstore.Collection[models.AuditEntry]
	defaultLimit int
	maxLimit     int
	now          func() time.Time
	logger       *slog.Logger
}

func New(store *docstore.Store, opts Options) *Ledger {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = defaultLimit
	}
	if opts.MaxLimit < opts.DefaultLimit {
		opts.MaxLimit = max(maxLimit, opts.DefaultLimit)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{
		entries:      docstore.NewCollection[models.AuditEntry](store, docstore.AuditLogs),
		defaultLimit: opts.DefaultLimit,
		maxLimit:     opts.MaxLimit,
		now:          opts.Now,
		logger:       opts.Logger.With("module", "audit"),
	}
}

// Append records one action. The id is assigned inside the document lock so
// concurrent appenders always observe strictly increasing ids.
func (l *Ledger) Append(ctx context.Context, action, username string, details map[string]any) (models.AuditEntry, error) {
	client := ClientFrom(ctx)
	entry := models.AuditEntry{
		Timestamp: l.now(),
		Action:    action,
		Username:  username,
		Details:   maps.Clone(details),
		IPAddress: client.IP,
		UserAgent: client.UserAgent,
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}
	err := l.entries.Update(ctx, func(in []models.AuditEntry) ([]models.AuditEntry, error) {
		entry.ID = int64(len(in)) + 1
		if n := len(in); n > 0 && in[n-1].ID >= entry.ID {
			entry.ID = in[n-1].ID + 1
		}
		return append(in, entry), nil
	})
	if err != nil {
		l.logger.Error("audit append failed", "action", action, "username", username, "error", err)
		return models.AuditEntry{}, err
	}
	return entry, nil
}

// Query returns the last Limit matching entries, oldest first.
func (l *Ledger) Query(ctx context.Context, q models.AuditQuery) ([]models.AuditEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = l.defaultLimit
	}
	if limit > l.maxLimit {
		limit = l.maxLimit
	}
	all, err := l.entries.Load(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]models.AuditEntry, 0, len(all))
	for _, e := range all {
		if q.Username != "" && e.Username != q.Username {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		matched = append(matched, e)
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (l *Ledger) Count(ctx context.Context) (int, error) {
	all, err := l.entries.Load(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}
