// Package store holds the relational-store entities (C4): users, sessions,
// and deployment metadata, with the quota/TTL fields that make this the
// source of truth for ownership.
package store

import (
	"time"
)

// Role is a closed set; super_admin is assigned only by matching a
// configured identity at login time (see internal/auth).
type Role string

const (
	RoleUser        Role = "user"
	RoleSuperAdmin  Role = "super_admin"
)

// Tier determines quota ceiling and TTL policy.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// TierStatus mirrors the billing provider's subscription lifecycle.
type TierStatus string

const (
	TierStatusActive   TierStatus = "active"
	TierStatusCanceled TierStatus = "canceled"
	TierStatusPastDue  TierStatus = "past_due"
)

// User is the identity entity. email is unique; role is never client-settable.
type User struct {
	ID          uint       `gorm:"primarykey" json:"id"`
	Email       string     `gorm:"uniqueIndex;not null" json:"email"`
	DisplayName string     `json:"display_name"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	Role        Role       `gorm:"type:varchar(20);default:'user';not null" json:"role"`
	Tier        Tier       `gorm:"type:varchar(20);default:'free';not null" json:"tier"`
	TierStatus  TierStatus `gorm:"type:varchar(20);default:'active';not null" json:"tier_status"`

	// Billing provider references, opaque to this store.
	BillingCustomerID     string `gorm:"index" json:"-"`
	BillingSubscriptionID string `json:"-"`

	AddOnPacks int    `gorm:"default:0" json:"add_on_packs"`
	CustomApex string `json:"custom_apex,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// IsSuperAdmin reports whether the user holds the super_admin role.
func (u *User) IsSuperAdmin() bool { return u.Role == RoleSuperAdmin }

// EffectiveTier folds tier_status into tier: a past_due or canceled pro
// account is treated as free for quota/TTL purposes until billing recovers.
func (u *User) EffectiveTier() Tier {
	if u.Tier == TierPro && u.TierStatus == TierStatusActive {
		return TierPro
	}
	return TierFree
}

// Session is an opaque, rotating server-side session (spec §4.2).
type Session struct {
	SessionID     string    `gorm:"primarykey;type:varchar(64)" json:"session_id"`
	UserID        uint      `gorm:"index;not null" json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `gorm:"index" json:"expires_at"`
	LastRotatedAt time.Time `json:"last_rotated_at"`
	RotationCount int       `gorm:"default:0" json:"rotation_count"`
}

func (Session) TableName() string { return "sessions" }

// DeploymentStatus is the closed set of C7/C8/C9's state machine (spec §4.3).
type DeploymentStatus string

const (
	StatusPending   DeploymentStatus = "pending"
	StatusUploading DeploymentStatus = "uploading"
	StatusAnalyzing DeploymentStatus = "analyzing"
	StatusBuilding  DeploymentStatus = "building"
	StatusDeploying DeploymentStatus = "deploying"
	StatusActive    DeploymentStatus = "active"
	StatusFailed    DeploymentStatus = "failed"
	StatusExpired   DeploymentStatus = "expired"
)

// transitionOrder gives each non-terminal status a rank so monotonicity
// (testable property 5) can be checked with a simple comparison; failed and
// expired are terminal and compare greater than every non-terminal state.
var transitionOrder = map[DeploymentStatus]int{
	StatusPending:   0,
	StatusUploading: 1,
	StatusAnalyzing: 2,
	StatusBuilding:  3,
	StatusDeploying: 4,
	StatusActive:    5,
	StatusFailed:    6,
	StatusExpired:   6,
}

// Advances reports whether moving from s to next is forward (or a terminal
// failure from any non-terminal state), never backward.
func (s DeploymentStatus) Advances(next DeploymentStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed || next == StatusExpired {
		return true
	}
	return transitionOrder[next] > transitionOrder[s]
}

// IsTerminal reports whether no further transition is permitted.
func (s DeploymentStatus) IsTerminal() bool {
	return s == StatusFailed || s == StatusExpired
}

// IsTransitioning reports the non-terminal in-flight states the subdomain
// ledger treats specially (spec §4.4's 60-minute staleness window).
func (s DeploymentStatus) IsTransitioning() bool {
	switch s {
	case StatusUploading, StatusBuilding, StatusDeploying:
		return true
	}
	return false
}

// FrameworkLabel is the closed set produced by the classifier (C5).
type FrameworkLabel string

const (
	FrameworkStreamlit FrameworkLabel = "streamlit"
	FrameworkGradio    FrameworkLabel = "gradio"
	FrameworkFlask     FrameworkLabel = "flask"
	FrameworkFastAPI   FrameworkLabel = "fastapi"
	FrameworkReact     FrameworkLabel = "react"
	FrameworkNextJS    FrameworkLabel = "nextjs"
	FrameworkExpress   FrameworkLabel = "express"
	FrameworkStatic    FrameworkLabel = "static"
	FrameworkUnknown   FrameworkLabel = "unknown"
)

// Deployment is the relational source of truth for a deployment (spec §3).
// UserID is nullable (0) for legacy anonymous deployments.
type Deployment struct {
	ID        string           `gorm:"primarykey;type:varchar(36)" json:"deployment_id"`
	UserID    uint             `gorm:"index" json:"user_id,omitempty"`
	Subdomain string           `gorm:"uniqueIndex:idx_deployments_subdomain_active;type:varchar(63)" json:"subdomain"`
	Framework FrameworkLabel   `gorm:"type:varchar(20)" json:"framework,omitempty"`
	Language  string           `gorm:"type:varchar(20)" json:"language,omitempty"`
	Status    DeploymentStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Origin    string           `json:"origin,omitempty"`
	BuildHandle string         `gorm:"index" json:"build_handle,omitempty"`
	Error     string           `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`

	// Narrative artifacts: out-of-core flavor text generated at deploy time,
	// carried through unchanged from the distilled spec's data model.
	PraiseText  string `gorm:"type:text" json:"praise_text,omitempty"`
	CharacterID string `gorm:"type:varchar(40)" json:"character_id,omitempty"`
}

func (Deployment) TableName() string { return "deployments" }

// IsOwnedBy reports whether userID is the deployment's owner. A zero UserID
// marks a legacy anonymous deployment, which no authenticated user owns.
func (d *Deployment) IsOwnedBy(userID uint) bool {
	return d.UserID != 0 && d.UserID == userID
}

// IsAnonymous reports whether the deployment has no owning user.
func (d *Deployment) IsAnonymous() bool { return d.UserID == 0 }

// ReleaseAuditRecord is the append-only audit trail for subdomain releases
// (spec §3's Release Audit Record), mirrored into the relational store so it
// survives the routing ledger's 90-day TTL eviction for compliance retention.
type ReleaseAuditRecord struct {
	ID               uint      `gorm:"primarykey" json:"id"`
	Subdomain        string    `gorm:"index;type:varchar(63)" json:"subdomain"`
	ReleasedAt       time.Time `gorm:"index" json:"released_at"`
	ReleaserUserID   uint      `json:"releaser_user_id,omitempty"`
	ReleaserIsAnon   bool      `json:"releaser_is_anonymous"`
	PriorDeploymentID string   `gorm:"type:varchar(36)" json:"prior_deployment_id"`
	Reason           string    `gorm:"type:varchar(255)" json:"reason"`
}

func (ReleaseAuditRecord) TableName() string { return "release_audit_records" }

// ReservedSubdomains is the static set of labels that are never claimable.
// Lookups against it short-circuit all ownership logic (spec §3).
var ReservedSubdomains = map[string]bool{
	"www":    true,
	"api":    true,
	"app":    true,
	"admin":  true,
	"apex":   true,
	"status": true,
	"mail":   true,
	"ftp":    true,
}

// IsReserved reports whether label is in the Reserved Subdomain Set.
func IsReserved(label string) bool {
	return ReservedSubdomains[label]
}
