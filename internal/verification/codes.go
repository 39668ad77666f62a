// Package verification issues identity-verification codes and runs the
// profile-sharing consent workflow.
package verification

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"authdesk/internal/apperr"
	"authdesk/internal/auth"
	"authdesk/internal/docstore"
	"authdesk/internal/models"
)

const (
	CodeLength        = 6
	SecurityCodeLen   = 8
	DefaultCodeTTL    = 15 * time.Minute
	DefaultShareTTL   = 24 * time.Hour
	DefaultMaxAttempt = 3
)

type Options struct {
	CodeTTL     time.Duration
	ShareTTL    time.Duration
	MaxAttempts int
	Now         func() time.Time
	Logger      *slog.Logger
}

type Authority struct {
	codes       *docstore.Collection[models.VerificationCode]
	shares      *docstore.Collection[models.ShareRequest]
	codeTTL     time.Duration
	shareTTL    time.Duration
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

func New(store *docstore.Store, opts Options) *Authority {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = DefaultCodeTTL
	}
	if opts.ShareTTL <= 0 {
		opts.ShareTTL = DefaultShareTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempt
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Authority{
		codes:       docstore.NewCollection[models.VerificationCode](store, docstore.Verifications),
		shares:      docstore.NewCollection[models.ShareRequest](store, docstore.ShareRequests),
		codeTTL:     opts.CodeTTL,
		shareTTL:    opts.ShareTTL,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		logger:      opts.Logger.With("module", "verification"),
	}
}

func (a *Authority) MaxAttempts() int { return a.maxAttempts }

// IssueCode always appends a fresh code, even when unexpired ones exist.
func (a *Authority) IssueCode(ctx context.Context, username string) (models.VerificationCode, error) {
	code, err := auth.NumericCode(CodeLength)
	if err != nil {
		return models.VerificationCode{}, apperr.Wrap(apperr.ErrStorage, "generate code", err)
	}
	now := a.now()
	rec := models.VerificationCode{
		Username:  username,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(a.codeTTL),
	}
	err = a.codes.Update(ctx, func(in []models.VerificationCode) ([]models.VerificationCode, error) {
		return append(in, rec), nil
	})
	if err != nil {
		return models.VerificationCode{}, err
	}
	return rec, nil
}

// ConfirmCode checks code against the first unverified record of username
// that is still unexpired and under the attempt ceiling, in insertion order.
// A mismatch consumes one attempt on that record. When no record is
// eligible the error describes the most recent unverified record.
func (a *Authority) ConfirmCode(ctx context.Context, username, code string) (models.VerificationCode, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.VerificationCode{}, apperr.Validation("code is required")
	}
	var (
		result  models.VerificationCode
		outcome error
	)
	err := a.codes.Update(ctx, func(in []models.VerificationCode) ([]models.VerificationCode, error) {
		now := a.now()
		latest := -1
		for i := range in {
			rec := &in[i]
			if rec.Username != username || rec.Verified {
				continue
			}
			latest = i
			if !now.Before(rec.ExpiresAt) || rec.Attempts >= a.maxAttempts {
				continue
			}
			if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
				rec.Attempts++
				result = *rec
				outcome = apperr.WithReason(apperr.ErrValidation, apperr.ErrCodeIncorrect, "incorrect verification code")
				return in, nil
			}
			rec.Verified = true
			stamp := now
			rec.VerifiedAt = &stamp
			result = *rec
			return in, nil
		}
		switch {
		case latest < 0:
			return nil, apperr.WithReason(apperr.ErrNotFound, apperr.ErrCodeNotFound, "no pending verification code")
		case !now.Before(in[latest].ExpiresAt):
			return nil, apperr.WithReason(apperr.ErrAuthFailed, apperr.ErrCodeExpired, "verification code expired")
		default:
			return nil, apperr.WithReason(apperr.ErrRateLimited, apperr.ErrAttemptsExceeded, "too many attempts; request a new code")
		}
	})
	if err != nil {
		return models.VerificationCode{}, err
	}
	if outcome != nil {
		return result, outcome
	}
	return result, nil
}

// IsVerified reports whether username ever confirmed a code.
func (a *Authority) IsVerified(ctx context.Context, username string) (bool, error) {
	recs, err := a.codes.Load(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		if r.Username == username && r.Verified {
			return true, nil
		}
	}
	return false, nil
}

// PurgeExpired drops expired unverified codes and expired pending share requests.
func (a *Authority) PurgeExpired(ctx context.Context) (codes int, shares int, err error) {
	now := a.now()
	err = a.codes.Update(ctx, func(in []models.VerificationCode) ([]models.VerificationCode, error) {
		out := in[:0]
		for _, r := range in {
			if !r.Verified && !now.Before(r.ExpiresAt) {
				codes++
				continue
			}
			out = append(out, r)
		}
		return out, nil
	})
	if err != nil {
		return 0, 0, err
	}
	err = a.shares.Update(ctx, func(in []models.ShareRequest) ([]models.ShareRequest, error) {
		out := in[:0]
		for _, r := range in {
			if r.Status == models.SharePending && !now.Before(r.ExpiresAt) {
				shares++
				continue
			}
			out = append(out, r)
		}
		return out, nil
	})
	if err != nil {
		return codes, 0, err
	}
	return codes, shares, nil
}
