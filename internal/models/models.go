package models

import (
	"encoding/json"
	"regexp"
	"time"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidUsername reports whether username is 1-64 letters, digits, '.', '_' or '-'.
func ValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UnmarshalJSON accepts records written by older deployments, which stored
// the hash under "password", the creation time under "created", zoneless
// timestamps, and no updated_at.
func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	var aux struct {
		plain
		LegacyPassword string `json:"password"`
		LegacyCreated  stamp  `json:"created"`
		CreatedAt      stamp  `json:"created_at"`
		UpdatedAt      stamp  `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*u = User(aux.plain)
	u.CreatedAt = aux.CreatedAt.Time
	u.UpdatedAt = aux.UpdatedAt.Time
	if u.PasswordHash == "" {
		u.PasswordHash = aux.LegacyPassword
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = aux.LegacyCreated.Time
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	return nil
}

type Profile struct {
	Username   string     `json:"username"`
	FullName   string     `json:"full_name"`
	Email      string     `json:"email"`
	Phone      string     `json:"phone"`
	Department string     `json:"department"`
	Avatar     string     `json:"avatar"`
	Bio        string     `json:"bio"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ProfilePatch carries a partial profile update. Nil fields are left as they are.
type ProfilePatch struct {
	FullName   *string `json:"full_name,omitempty"`
	Email      *string `json:"email,omitempty"`
	Phone      *string `json:"phone,omitempty"`
	Department *string `json:"department,omitempty"`
	Avatar     *string `json:"avatar,omitempty"`
	Bio        *string `json:"bio,omitempty"`
}

func (p ProfilePatch) Empty() bool {
	return len(p.Fields()) == 0
}

// Fields lists the JSON names of the fields present in the patch.
func (p ProfilePatch) Fields() []string {
	var out []string
	for _, f := range []struct {
		name string
		v    *string
	}{
		{"full_name", p.FullName},
		{"email", p.Email},
		{"phone", p.Phone},
		{"department", p.Department},
		{"avatar", p.Avatar},
		{"bio", p.Bio},
	} {
		if f.v != nil {
			out = append(out, f.name)
		}
	}
	return out
}

// Token stores only the SHA-256 of the bearer value.
type Token struct {
	TokenHash string    `json:"token_hash"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Session struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	TokenHash string    `json:"token_hash"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type VerificationCode struct {
	Username   string     `json:"username"`
	Code       string     `json:"code"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Verified   bool       `json:"verified"`
	Attempts   int        `json:"attempts"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

type ShareStatus string

const (
	SharePending  ShareStatus = "pending"
	ShareApproved ShareStatus = "approved"
	ShareRejected ShareStatus = "rejected"
)

type ShareRequest struct {
	ID           string      `json:"id"`
	Username     string      `json:"username"`
	Recipient    string      `json:"recipient"`
	SecurityCode string      `json:"security_code"`
	Status       ShareStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	ApprovedAt   *time.Time  `json:"approved_at,omitempty"`
	RejectedAt   *time.Time  `json:"rejected_at,omitempty"`
}

type AuditEntry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Username  string         `json:"username"`
	Details   map[string]any `json:"details"`
	IPAddress string         `json:"ip_address"`
	UserAgent string         `json:"user_agent"`
}

type AuditQuery struct {
	Username string
	Action   string
	Limit    int
}

type Statistics struct {
	TotalUsers       int            `json:"total_users"`
	ActiveUsers      int            `json:"active_users"`
	UsersByRole      map[string]int `json:"users_by_role"`
	TotalProfiles    int            `json:"total_profiles"`
	VerifiedProfiles int            `json:"verified_profiles"`
	ActiveSessions   int            `json:"active_sessions"`
	AuditEntries     int            `json:"audit_entries"`
	PendingShares    int            `json:"pending_shares"`
	GeneratedAt      time.Time      `json:"generated_at"`
}
