package model

import "time"

type CredentialStatus string

const (
	CredentialLive    CredentialStatus = "live"
	CredentialDead    CredentialStatus = "dead"
	CredentialUnknown CredentialStatus = "unknown"
)

type CredentialMeta struct {
	Owner       string           `json:"owner,omitempty"`
	Status      CredentialStatus `json:"status"`
	LastChecked *time.Time       `json:"lastChecked,omitempty"`
	AddedAt     time.Time        `json:"addedAt"`
}

// Credential is one pooled hosting API token. Secret holds the stored form,
// which may be sealed; callers outside the pool never see it.
type Credential struct {
	ID     string         `json:"-"`
	Secret string         `json:"token"`
	Meta   CredentialMeta `json:"meta"`
}

func (c Credential) Live() bool {
	return c.Meta.Status == CredentialLive && c.Secret != ""
}

// Session is an active VPS record. ExpiresAt is fixed at creation.
type Session struct {
	Owner           string    `json:"owner"`
	Repo            string    `json:"repo"`
	TokenID         string    `json:"tokenId"`
	DurationMinutes int       `json:"durationMinutes"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	// CreatedBy is the account that provisioned the session. Only that
	// account or an admin may delete it.
	CreatedBy string `json:"createdBy,omitempty"`
}

func NewSession(owner, repo, tokenID string, durationMinutes int, createdAt time.Time) Session {
	createdAt = createdAt.UTC()
	return Session{
		Owner:           owner,
		Repo:            repo,
		TokenID:         tokenID,
		DurationMinutes: durationMinutes,
		CreatedAt:       createdAt,
		ExpiresAt:       createdAt.Add(time.Duration(durationMinutes) * time.Minute),
	}
}

func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type BanType string

const (
	BanTemporary BanType = "temporary"
	BanPermanent BanType = "permanent"
)

type User struct {
	Username     string     `json:"username"`
	PasswordHash string     `json:"passwordHash"`
	RegisterIP   string     `json:"registerIP,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	IsBanned     bool       `json:"isBanned"`
	BanType      BanType    `json:"banType,omitempty"`
	BanUntil     *time.Time `json:"banUntil,omitempty"`
	BanReason    string     `json:"banReason,omitempty"`
	BannedAt     *time.Time `json:"bannedAt,omitempty"`
	LastLoginIP  string     `json:"lastLoginIP,omitempty"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
}

// BanActive reports whether the ban still applies at now. A temporary ban
// without an end date is treated as permanent.
func (u User) BanActive(now time.Time) bool {
	if !u.IsBanned {
		return false
	}
	if u.BanType == BanPermanent || u.BanUntil == nil {
		return true
	}
	return u.BanUntil.After(now)
}

func (u *User) ClearBan() {
	u.IsBanned = false
	u.BanType = ""
	u.BanUntil = nil
	u.BanReason = ""
	u.BannedAt = nil
}

type IPRegistration struct {
	FirstUsername string    `json:"firstUsername"`
	AllUsernames  []string  `json:"allUsernames"`
	AccountCount  int       `json:"accountCount"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
}

// AuditEntry is one line in the capped audit log. Only the fields relevant to
// Type are populated.
type AuditEntry struct {
	ID              string     `json:"id,omitempty"`
	Type            string     `json:"type"`
	At              time.Time  `json:"at"`
	Username        string     `json:"username,omitempty"`
	Target          string     `json:"target,omitempty"`
	IP              string     `json:"ip,omitempty"`
	IPRaw           string     `json:"ipRaw,omitempty"`
	UA              string     `json:"ua,omitempty"`
	Operation       string     `json:"operation,omitempty"`
	Minutes         *int       `json:"minutes,omitempty"`
	PreviousMinutes *int       `json:"previousMinutes,omitempty"`
	NewMinutes      *int       `json:"newMinutes,omitempty"`
	Owner           string     `json:"owner,omitempty"`
	Repo            string     `json:"repo,omitempty"`
	RepoURL         string     `json:"repoUrl,omitempty"`
	ActionsURL      string     `json:"actionsUrl,omitempty"`
	Plan            string     `json:"plan,omitempty"`
	DurationMinutes int        `json:"durationMinutes,omitempty"`
	VPSPassword     string     `json:"vpsPassword,omitempty"`
	TokenID         string     `json:"tokenId,omitempty"`
	TokenOwner      string     `json:"tokenOwner,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	Unit            string     `json:"unit,omitempty"`
	Duration        int        `json:"duration,omitempty"`
	BanUntil        *time.Time `json:"banUntil,omitempty"`
	CreatedAt       *time.Time `json:"createdAt,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	Manual          bool       `json:"manual,omitempty"`
	Banned          bool       `json:"banned,omitempty"`
}

func IntPtr(v int) *int {
	return &v
}
