package service

import (
	"context"
	"errors"
	"time"

	"authdesk/internal/apperr"
	"authdesk/internal/audit"
	"authdesk/internal/models"
	"authdesk/internal/notify"
)

const (
	BadgeVerified = "✅ Verified"
	BadgePending  = "⏳ Pending Verification"
)

func (s *Service) GetProfile(ctx context.Context, username string) (models.Profile, error) {
	return s.vault.GetProfile(ctx, username)
}

func (s *Service) UpdateProfile(ctx context.Context, username string, patch models.ProfilePatch) (models.Profile, error) {
	p, err := s.vault.UpdateProfile(ctx, username, patch)
	if err != nil {
		return models.Profile{}, err
	}
	s.record(ctx, audit.ActionProfileUpdated, username, map[string]any{"fields": patch.Fields()})
	return p, nil
}

type SendCodeResult struct {
	ExpiresAt time.Time `json:"expires_at"`
	Code      string    `json:"code,omitempty"`
}

func (s *Service) SendVerificationCode(ctx context.Context, username string) (SendCodeResult, error) {
	profile, err := s.vault.GetProfile(ctx, username)
	if err != nil {
		return SendCodeResult{}, err
	}
	rec, err := s.verify.IssueCode(ctx, username)
	if err != nil {
		return SendCodeResult{}, err
	}
	err = s.sender.SendVerificationCode(ctx, notify.CodeMessage{
		Username:  username,
		Email:     profile.Email,
		Code:      rec.Code,
		ExpiresAt: rec.ExpiresAt,
	})
	if err != nil {
		s.logger.Error("verification code delivery failed", "username", username, "error", err)
		return SendCodeResult{}, apperr.Wrap(apperr.ErrUnavailable, "verification code could not be delivered", err)
	}
	s.record(ctx, audit.ActionVerificationCodeSent, username, map[string]any{"expires_at": rec.ExpiresAt})
	out := SendCodeResult{ExpiresAt: rec.ExpiresAt}
	if s.expose {
		out.Code = rec.Code
	}
	return out, nil
}

// ConfirmVerificationCode checks a code and marks the profile verified.
func (s *Service) ConfirmVerificationCode(ctx context.Context, username, code string) (models.Profile, error) {
	rec, err := s.verify.ConfirmCode(ctx, username, code)
	if err != nil {
		s.metrics.Verification(reasonOf(err))
		details := map[string]any{"reason": reasonOf(err)}
		if errors.Is(err, apperr.ErrCodeIncorrect) {
			details["attempts"] = rec.Attempts
		}
		s.record(ctx, audit.ActionVerificationFailed, username, details)
		return models.Profile{}, err
	}
	at := s.now()
	if rec.VerifiedAt != nil {
		at = *rec.VerifiedAt
	}
	p, err := s.vault.MarkVerified(ctx, username, at)
	if err != nil && apperr.KindOf(err) == apperr.ErrStorage {
		// The code is already consumed; retry once before giving up.
		p, err = s.vault.MarkVerified(context.WithoutCancel(ctx), username, at)
	}
	if err != nil {
		s.logger.Error("profile verification flag not persisted",
			"username", username, "code_verified", true, "profile_verified", false, "error", err)
		return models.Profile{}, err
	}
	s.metrics.Verification("verified")
	s.record(ctx, audit.ActionProfileVerified, username, nil)
	return p, nil
}

type VerificationStatus struct {
	Username string         `json:"username"`
	Verified bool           `json:"verified"`
	Badge    string         `json:"badge"`
	Profile  models.Profile `json:"profile"`
}

// VerificationStatus reports the verification state of username. A profile
// whose flag was not persisted after a confirmed code is repaired here.
func (s *Service) VerificationStatus(ctx context.Context, username string) (VerificationStatus, error) {
	verified, err := s.verify.IsVerified(ctx, username)
	if err != nil {
		return VerificationStatus{}, err
	}
	profile, err := s.vault.GetProfile(ctx, username)
	if err != nil {
		return VerificationStatus{}, err
	}
	if verified && !profile.Verified {
		if repaired, err := s.vault.MarkVerified(ctx, username, s.now()); err != nil {
			s.logger.Warn("profile verification flag repair failed", "username", username, "error", err)
		} else {
			profile = repaired
			s.logger.Info("profile verification flag repaired", "username", username)
		}
	}
	out := VerificationStatus{Username: username, Verified: verified, Badge: BadgePending, Profile: profile}
	if verified {
		out.Badge = BadgeVerified
	}
	return out, nil
}

// RequestShare opens a share request. Only verified users may share.
func (s *Service) RequestShare(ctx context.Context, username, recipient string) (models.ShareRequest, error) {
	verified, err := s.verify.IsVerified(ctx, username)
	if err != nil {
		return models.ShareRequest{}, err
	}
	if !verified {
		return models.ShareRequest{}, apperr.WithReason(apperr.ErrForbidden, apperr.ErrNotVerified, "profile must be verified before sharing")
	}
	if recipient != "" && recipient != username {
		if _, err := s.vault.GetUser(ctx, recipient); err != nil {
			if apperr.KindOf(err) == apperr.ErrNotFound {
				return models.ShareRequest{}, apperr.NotFound("recipient not found")
			}
			return models.ShareRequest{}, err
		}
	}
	req, err := s.verify.RequestShare(ctx, username, recipient)
	if err != nil {
		return models.ShareRequest{}, err
	}
	s.metrics.Share(string(models.SharePending))
	s.record(ctx, audit.ActionShareRequested, username, map[string]any{"recipient": req.Recipient, "share_id": req.ID})
	return req, nil
}

func (s *Service) ApproveShare(ctx context.Context, username, code string) (models.ShareRequest, error) {
	req, err := s.verify.ApproveShare(ctx, username, code)
	if err != nil {
		return models.ShareRequest{}, err
	}
	s.metrics.Share(string(req.Status))
	s.record(ctx, audit.ActionShareApproved, username, map[string]any{"recipient": req.Recipient, "share_id": req.ID})
	return req, nil
}

func (s *Service) RejectShare(ctx context.Context, username, code string) (models.ShareRequest, error) {
	req, err := s.verify.RejectShare(ctx, username, code)
	if err != nil {
		return models.ShareRequest{}, err
	}
	s.metrics.Share(string(req.Status))
	s.record(ctx, audit.ActionShareRejected, username, map[string]any{"recipient": req.Recipient, "share_id": req.ID})
	return req, nil
}

// SharedProfile is a profile another user agreed to share with the caller.
type SharedProfile struct {
	ShareID    string         `json:"share_id"`
	From       string         `json:"from"`
	ApprovedAt *time.Time     `json:"approved_at,omitempty"`
	Profile    models.Profile `json:"profile"`
}

func (s *Service) SharedWithMe(ctx context.Context, recipient string) ([]SharedProfile, error) {
	reqs, err := s.verify.ListSharedWith(ctx, recipient)
	if err != nil {
		return nil, err
	}
	out := make([]SharedProfile, 0, len(reqs))
	for _, r := range reqs {
		p, err := s.vault.GetProfile(ctx, r.Username)
		if err != nil {
			if apperr.KindOf(err) == apperr.ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, SharedProfile{ShareID: r.ID, From: r.Username, ApprovedAt: r.ApprovedAt, Profile: p})
	}
	return out, nil
}

func (s *Service) MyShareRequests(ctx context.Context, username string) ([]models.ShareRequest, error) {
	return s.verify.ListShareRequests(ctx, username)
}
