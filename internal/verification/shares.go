package verification

import (
	"context"
	"strings"

	"authdesk/internal/apperr"
	"authdesk/internal/auth"
	"authdesk/internal/models"
)

// RequestShare opens a pending share of username's profile with recipient.
// The caller checks that username is verified.
func (a *Authority) RequestShare(ctx context.Context, username, recipient string) (models.ShareRequest, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return models.ShareRequest{}, apperr.Validation("recipient is required")
	}
	if recipient == username {
		return models.ShareRequest{}, apperr.Validation("cannot share a profile with yourself")
	}
	id, err := auth.NewID(16)
	if err != nil {
		return models.ShareRequest{}, apperr.Wrap(apperr.ErrStorage, "generate share id", err)
	}
	code, err := auth.SecurityCode(SecurityCodeLen)
	if err != nil {
		return models.ShareRequest{}, apperr.Wrap(apperr.ErrStorage, "generate security code", err)
	}
	now := a.now()
	req := models.ShareRequest{
		ID:           id,
		Username:     username,
		Recipient:    recipient,
		SecurityCode: code,
		Status:       models.SharePending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(a.shareTTL),
	}
	err = a.shares.Update(ctx, func(in []models.ShareRequest) ([]models.ShareRequest, error) {
		return append(in, req), nil
	})
	if err != nil {
		return models.ShareRequest{}, err
	}
	return req, nil
}

func (a *Authority) ApproveShare(ctx context.Context, username, code string) (models.ShareRequest, error) {
	return a.resolveShare(ctx, username, code, models.ShareApproved)
}

func (a *Authority) RejectShare(ctx context.Context, username, code string) (models.ShareRequest, error) {
	return a.resolveShare(ctx, username, code, models.ShareRejected)
}

// resolveShare moves a pending request to a terminal status. Requests are
// matched on the exact (username, security code) pair.
func (a *Authority) resolveShare(ctx context.Context, username, code string, to models.ShareStatus) (models.ShareRequest, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.ShareRequest{}, apperr.Validation("security code is required")
	}
	var out models.ShareRequest
	err := a.shares.Update(ctx, func(in []models.ShareRequest) ([]models.ShareRequest, error) {
		idx := -1
		for i := range in {
			if in[i].Username != username || in[i].SecurityCode != code {
				continue
			}
			if idx < 0 || in[i].Status == models.SharePending {
				idx = i
			}
			if in[i].Status == models.SharePending {
				break
			}
		}
		if idx < 0 {
			return nil, apperr.WithReason(apperr.ErrNotFound, apperr.ErrShareNotFound, "share request not found")
		}
		req := &in[idx]
		if req.Status != models.SharePending {
			return nil, apperr.WithReason(apperr.ErrConflict, apperr.ErrShareResolved, "share request already "+string(req.Status))
		}
		now := a.now()
		if !now.Before(req.ExpiresAt) {
			return nil, apperr.WithReason(apperr.ErrAuthFailed, apperr.ErrShareExpired, "share request expired")
		}
		req.Status = to
		stamp := now
		if to == models.ShareApproved {
			req.ApprovedAt = &stamp
		} else {
			req.RejectedAt = &stamp
		}
		out = *req
		return in, nil
	})
	return out, err
}

// ListSharedWith returns approved requests addressed to recipient.
func (a *Authority) ListSharedWith(ctx context.Context, recipient string) ([]models.ShareRequest, error) {
	return a.filterShares(ctx, func(r models.ShareRequest) bool {
		return r.Recipient == recipient && r.Status == models.ShareApproved
	})
}

// ListShareRequests returns every request created by username.
func (a *Authority) ListShareRequests(ctx context.Context, username string) ([]models.ShareRequest, error) {
	return a.filterShares(ctx, func(r models.ShareRequest) bool { return r.Username == username })
}

func (a *Authority) CountPendingShares(ctx context.Context) (int, error) {
	pending, err := a.filterShares(ctx, func(r models.ShareRequest) bool { return r.Status == models.SharePending })
	return len(pending), err
}

func (a *Authority) filterShares(ctx context.Context, keep func(models.ShareRequest) bool) ([]models.ShareRequest, error) {
	all, err := a.shares.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ShareRequest, 0, len(all))
	for _, r := range all {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}
