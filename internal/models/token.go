// Package models defines the persistent records shared by the store,
// the lifecycle manager, and the management API: account tokens, their
// bound Flow projects, and the admin-tunable settings.
package models

import "time"

// BanReasonRateLimited marks a token that was banned after the upstream
// returned HTTP 429. It is the only value ever written to BanReason;
// manual and error-threshold disables leave BanReason empty.
const BanReasonRateLimited = "rate_limited"

// StatKind selects which usage counter IncrementStats bumps.
type StatKind string

const (
	// StatUse increments the use counter and stamps LastUsedAt.
	StatUse StatKind = "use"
	// StatImage increments the image generation counter.
	StatImage StatKind = "image"
	// StatVideo increments the video generation counter.
	StatVideo StatKind = "video"
	// StatError increments the total, today and consecutive error counters.
	StatError StatKind = "error"
)

// Token is one Google account credential record.
//
// SessionToken is the long-lived session cookie value; AccessToken is the
// short-lived bearer credential exchanged from it. AccessToken and
// AccessTokenExpiresAt are always written together, never independently.
type Token struct {
	ID int64 `json:"id"`

	// SessionToken is the __Secure-next-auth.session-token cookie value.
	SessionToken string `json:"session_token"`
	// AccessToken is the bearer credential used for generation calls.
	AccessToken string `json:"access_token,omitempty"`
	// AccessTokenExpiresAt is the absolute expiry of AccessToken, UTC.
	AccessTokenExpiresAt *time.Time `json:"access_token_expires_at,omitempty"`

	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	Remark string `json:"remark,omitempty"`

	ImageEnabled     bool `json:"image_enabled"`
	VideoEnabled     bool `json:"video_enabled"`
	ImageConcurrency int  `json:"image_concurrency"`
	VideoConcurrency int  `json:"video_concurrency"`

	// ProjectID is the Flow project currently bound to this account.
	ProjectID string `json:"project_id,omitempty"`

	UseCount   int64      `json:"use_count"`
	ImageCount int64      `json:"image_count"`
	VideoCount int64      `json:"video_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	ErrorCount      int `json:"error_count"`
	TodayErrorCount int `json:"today_error_count"`
	// ConsecutiveErrorCount is the only counter that drives auto-disable.
	ConsecutiveErrorCount int `json:"consecutive_error_count"`

	IsActive bool `json:"is_active"`

	// BanReason is non-empty only while the token sits in a rate-limit ban.
	// Invariant: BanReason != "" implies IsActive == false.
	BanReason string     `json:"ban_reason,omitempty"`
	BannedAt  *time.Time `json:"banned_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate freely.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	dup := *t
	dup.AccessTokenExpiresAt = cloneTime(t.AccessTokenExpiresAt)
	dup.LastUsedAt = cloneTime(t.LastUsedAt)
	dup.BannedAt = cloneTime(t.BannedAt)
	return &dup
}

// AccessValidFor reports whether the access credential exists and keeps at
// least margin of lifetime left at now.
func (t *Token) AccessValidFor(now time.Time, margin time.Duration) bool {
	if t == nil || t.AccessToken == "" || t.AccessTokenExpiresAt == nil {
		return false
	}
	return t.AccessTokenExpiresAt.After(now.Add(margin))
}

// AccessExpired reports whether the access credential expiry is known and in
// the past. An unknown expiry is treated as not expired.
func (t *Token) AccessExpired(now time.Time) bool {
	if t == nil || t.AccessTokenExpiresAt == nil {
		return false
	}
	return t.AccessTokenExpiresAt.Before(now)
}

// NormalizeTimes forces every timestamp onto UTC. Zoneless values read back
// from a backend are interpreted as UTC rather than local time.
func (t *Token) NormalizeTimes() {
	if t == nil {
		return
	}
	t.AccessTokenExpiresAt = toUTC(t.AccessTokenExpiresAt)
	t.LastUsedAt = toUTC(t.LastUsedAt)
	t.BannedAt = toUTC(t.BannedAt)
	t.CreatedAt = asUTC(t.CreatedAt)
	t.UpdatedAt = asUTC(t.UpdatedAt)
}

// AccessCredential couples an access token with its expiry so the pair can
// only be replaced atomically.
type AccessCredential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenUpdate describes a partial mutation of a stored token. Nil fields are
// left untouched.
type TokenUpdate struct {
	SessionToken *string
	// Access replaces AccessToken and AccessTokenExpiresAt together.
	Access *AccessCredential

	Email  *string
	Name   *string
	Remark *string

	ImageEnabled     *bool
	VideoEnabled     *bool
	ImageConcurrency *int
	VideoConcurrency *int

	ProjectID *string

	IsActive *bool
	// BanReason sets the ban reason; ClearBan wipes reason and timestamp.
	BanReason *string
	BannedAt  *time.Time
	ClearBan  bool

	ConsecutiveErrorCount *int
}

// Apply folds the update into tok in place.
func (u TokenUpdate) Apply(tok *Token, now time.Time) {
	if tok == nil {
		return
	}
	if u.SessionToken != nil {
		tok.SessionToken = *u.SessionToken
	}
	if u.Access != nil {
		expires := u.Access.ExpiresAt.UTC()
		tok.AccessToken = u.Access.Token
		tok.AccessTokenExpiresAt = &expires
	}
	if u.Email != nil {
		tok.Email = *u.Email
	}
	if u.Name != nil {
		tok.Name = *u.Name
	}
	if u.Remark != nil {
		tok.Remark = *u.Remark
	}
	if u.ImageEnabled != nil {
		tok.ImageEnabled = *u.ImageEnabled
	}
	if u.VideoEnabled != nil {
		tok.VideoEnabled = *u.VideoEnabled
	}
	if u.ImageConcurrency != nil {
		tok.ImageConcurrency = *u.ImageConcurrency
	}
	if u.VideoConcurrency != nil {
		tok.VideoConcurrency = *u.VideoConcurrency
	}
	if u.ProjectID != nil {
		tok.ProjectID = *u.ProjectID
	}
	if u.IsActive != nil {
		tok.IsActive = *u.IsActive
	}
	if u.BanReason != nil {
		tok.BanReason = *u.BanReason
	}
	if u.BannedAt != nil {
		banned := u.BannedAt.UTC()
		tok.BannedAt = &banned
	}
	if u.ClearBan {
		tok.BanReason = ""
		tok.BannedAt = nil
	}
	if u.ConsecutiveErrorCount != nil {
		tok.ConsecutiveErrorCount = *u.ConsecutiveErrorCount
	}
	tok.UpdatedAt = now.UTC()
}

// Project binds a Flow project to its owning token.
type Project struct {
	ProjectID string    `json:"project_id"`
	TokenID   int64     `json:"token_id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AdminConfig holds store-backed operator settings.
type AdminConfig struct {
	// ErrorBanThreshold is the consecutive-error count that triggers
	// auto-disable. Zero or negative falls back to the default.
	ErrorBanThreshold int `json:"error_ban_threshold"`
}

// DefaultErrorBanThreshold applies when no admin config exists.
const DefaultErrorBanThreshold = 5

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	dup := *t
	return &dup
}

func toUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := asUTC(*t)
	return &utc
}

func asUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
