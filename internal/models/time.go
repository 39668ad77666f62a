package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Zoneless layouts written by older deployments. They are read as UTC.
var legacyLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// ParseTime accepts RFC 3339 timestamps and the zoneless ISO-8601 form used by
// older documents. An empty string is the zero time.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range legacyLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// stamp decodes a timestamp in any format ParseTime accepts.
type stamp struct{ time.Time }

func (t *stamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t *stamp) ptr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// The decoders below shadow each time field with a stamp so that legacy
// documents load; encoding is unchanged.

func (p *Profile) UnmarshalJSON(data []byte) error {
	type plain Profile
	var aux struct {
		plain
		VerifiedAt *stamp `json:"verified_at"`
		CreatedAt  stamp  `json:"created_at"`
		UpdatedAt  stamp  `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = Profile(aux.plain)
	p.VerifiedAt = aux.VerifiedAt.ptr()
	p.CreatedAt = aux.CreatedAt.Time
	p.UpdatedAt = aux.UpdatedAt.Time
	return nil
}

func (t *Token) UnmarshalJSON(data []byte) error {
	type plain Token
	var aux struct {
		plain
		CreatedAt stamp `json:"created_at"`
		ExpiresAt stamp `json:"expires_at"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*t = Token(aux.plain)
	t.CreatedAt = aux.CreatedAt.Time
	t.ExpiresAt = aux.ExpiresAt.Time
	return nil
}

func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	var aux struct {
		plain
		CreatedAt stamp `json:"created_at"`
		ExpiresAt stamp `json:"expires_at"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = Session(aux.plain)
	s.CreatedAt = aux.CreatedAt.Time
	s.ExpiresAt = aux.ExpiresAt.Time
	return nil
}

func (c *VerificationCode) UnmarshalJSON(data []byte) error {
	type plain VerificationCode
	var aux struct {
		plain
		CreatedAt  stamp  `json:"created_at"`
		ExpiresAt  stamp  `json:"expires_at"`
		VerifiedAt *stamp `json:"verified_at"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = VerificationCode(aux.plain)
	c.CreatedAt = aux.CreatedAt.Time
	c.ExpiresAt = aux.ExpiresAt.Time
	c.VerifiedAt = aux.VerifiedAt.ptr()
	return nil
}

func (r *ShareRequest) UnmarshalJSON(data []byte) error {
	type plain ShareRequest
	var aux struct {
		plain
		CreatedAt  stamp  `json:"created_at"`
		ExpiresAt  stamp  `json:"expires_at"`
		ApprovedAt *stamp `json:"approved_at"`
		RejectedAt *stamp `json:"rejected_at"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = ShareRequest(aux.plain)
	r.CreatedAt = aux.CreatedAt.Time
	r.ExpiresAt = aux.ExpiresAt.Time
	r.ApprovedAt = aux.ApprovedAt.ptr()
	r.RejectedAt = aux.RejectedAt.ptr()
	return nil
}

func (e *AuditEntry) UnmarshalJSON(data []byte) error {
	type plain AuditEntry
	var aux struct {
		plain
		Timestamp stamp `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = AuditEntry(aux.plain)
	e.Timestamp = aux.Timestamp.Time
	return nil
}
