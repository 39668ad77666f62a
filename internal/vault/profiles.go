package vault

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"authdesk/internal/apperr"
	"authdesk/internal/models"
)

func (v *Vault) GetProfile(ctx context.Context, username string) (models.Profile, error) {
	profiles, err := v.profiles.Load(ctx)
	if err != nil {
		return models.Profile{}, err
	}
	for _, p := range profiles {
		if p.Username == username {
			return p, nil
		}
	}
	return models.Profile{}, apperr.NotFound("profile not found")
}

func (v *Vault) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	return v.profiles.Load(ctx)
}

// UpdateProfile applies a partial update. Only fields present in patch change;
// updated_at is always refreshed.
func (v *Vault) UpdateProfile(ctx context.Context, username string, patch models.ProfilePatch) (models.Profile, error) {
	for _, f := range []*string{patch.FullName, patch.Email, patch.Phone, patch.Department, patch.Avatar, patch.Bio} {
		if f != nil && utf8.RuneCountInString(*f) > maxProfileField {
			return models.Profile{}, apperr.Validation(fmt.Sprintf("profile fields are limited to %d characters", maxProfileField))
		}
	}
	return v.mutateProfile(ctx, username, func(p *models.Profile) {
		set(&p.FullName, patch.FullName)
		set(&p.Email, patch.Email)
		set(&p.Phone, patch.Phone)
		set(&p.Department, patch.Department)
		set(&p.Avatar, patch.Avatar)
		set(&p.Bio, patch.Bio)
	})
}

func (v *Vault) MarkVerified(ctx context.Context, username string, at time.Time) (models.Profile, error) {
	return v.mutateProfile(ctx, username, func(p *models.Profile) {
		p.Verified = true
		stamp := at.UTC()
		p.VerifiedAt = &stamp
	})
}

func (v *Vault) mutateProfile(ctx context.Context, username string, fn func(*models.Profile)) (models.Profile, error) {
	var out models.Profile
	err := v.profiles.Update(ctx, func(in []models.Profile) ([]models.Profile, error) {
		for i := range in {
			if in[i].Username != username {
				continue
			}
			fn(&in[i])
			in[i].UpdatedAt = v.now()
			out = in[i]
			return in, nil
		}
		return nil, apperr.NotFound("profile not found")
	})
	return out, err
}

func set(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
