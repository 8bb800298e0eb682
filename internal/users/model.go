package users

import (
	"errors"
	"strings"
	"time"
)

const (
	// ProviderLocal marks users registered through the command line rather than an identity provider.
	ProviderLocal = "local"
)

var (
	// ErrInvalidIdentity indicates the profile did not carry a usable subject.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates that no user matched the lookup.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrInvalidDisplayName indicates an empty display name.
	ErrInvalidDisplayName = errors.New("users: invalid display name")
)

// User is the canonical account behind every session. Its ID is what tokens carry as the subject,
// what notes record as author_id and what workspaces grant permissions to.
type User struct {
	ID            string    `gorm:"column:id;primaryKey;size:36;not null"`
	Provider      string    `gorm:"column:provider;size:32;not null;uniqueIndex:uq_user_identity,priority:1"`
	Subject       string    `gorm:"column:subject;size:190;not null;uniqueIndex:uq_user_identity,priority:2"`
	Email         string    `gorm:"column:email;size:320;not null;default:'';index"`
	EmailVerified bool      `gorm:"column:email_verified;not null;default:false"`
	DisplayName   string    `gorm:"column:display_name;size:320;not null;default:''"`
	AvatarURL     string    `gorm:"column:avatar_url;size:512;not null;default:''"`
	LastSeenAt    time.Time `gorm:"column:last_seen_at;not null;autoUpdateTime:false"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Profile is what an identity provider tells us about a login.
type Profile struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	DisplayName   string
	AvatarURL     string
}

func (p Profile) normalized() Profile {
	provider := strings.ToLower(normalize(p.Provider))
	if provider == "" {
		provider = ProviderLocal
	}
	return Profile{
		Provider:      provider,
		Subject:       normalize(p.Subject),
		Email:         strings.ToLower(normalize(p.Email)),
		EmailVerified: p.EmailVerified,
		DisplayName:   normalize(p.DisplayName),
		AvatarURL:     normalize(p.AvatarURL),
	}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
