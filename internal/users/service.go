package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IDProvider issues identifiers for new users.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service maps provider logins to canonical users and maintains their profiles.
type Service struct {
	db         *gorm.DB
	idProvider IDProvider
	now        func() time.Time
	logger     *zap.Logger
	cache      sync.Map
}

// NewService constructs the user registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		now:        clock,
		logger:     logger,
	}, nil
}

// ResolveUser returns the canonical user for the provider login, creating it on first sight.
// Known users get their email, name and avatar refreshed from the profile.
func (s *Service) ResolveUser(ctx context.Context, profile Profile) (User, error) {
	profile = profile.normalized()
	if profile.Subject == "" {
		return User{}, ErrInvalidIdentity
	}
	now := s.now().UTC()

	cacheKey := profile.Provider + ":" + profile.Subject
	var user User
	var err error
	if cachedID, ok := s.cache.Load(cacheKey); ok {
		err = s.db.WithContext(ctx).Where("id = ?", cachedID).Take(&user).Error
	} else {
		err = s.db.WithContext(ctx).
			Where("provider = ? AND subject = ?", profile.Provider, profile.Subject).
			Take(&user).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.cache.Delete(cacheKey)
		id, idErr := s.idProvider.NewID()
		if idErr != nil {
			return User{}, fmt.Errorf("users: generate id: %w", idErr)
		}
		user = User{
			ID:            id,
			Provider:      profile.Provider,
			Subject:       profile.Subject,
			Email:         profile.Email,
			EmailVerified: profile.EmailVerified,
			DisplayName:   profile.DisplayName,
			AvatarURL:     profile.AvatarURL,
			LastSeenAt:    now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			s.logger.Error("user insert failed", zap.String("provider", profile.Provider), zap.Error(err))
			return User{}, fmt.Errorf("users: create: %w", err)
		}
		s.cache.Store(cacheKey, user.ID)
		return user, nil
	}
	if err != nil {
		return User{}, fmt.Errorf("users: lookup: %w", err)
	}

	updates := map[string]interface{}{"last_seen_at": now}
	if profile.Email != "" && profile.Email != user.Email {
		updates["email"] = profile.Email
		user.Email = profile.Email
	}
	if profile.EmailVerified != user.EmailVerified {
		updates["email_verified"] = profile.EmailVerified
		user.EmailVerified = profile.EmailVerified
	}
	if profile.DisplayName != "" && profile.DisplayName != user.DisplayName {
		updates["display_name"] = profile.DisplayName
		user.DisplayName = profile.DisplayName
	}
	if profile.AvatarURL != "" && profile.AvatarURL != user.AvatarURL {
		updates["avatar_url"] = profile.AvatarURL
		user.AvatarURL = profile.AvatarURL
	}
	if len(updates) > 1 {
		updates["updated_at"] = now
		user.UpdatedAt = now
	}
	if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		return User{}, fmt.Errorf("users: refresh profile: %w", err)
	}
	user.LastSeenAt = now
	s.cache.Store(cacheKey, user.ID)
	return user, nil
}

// GetUser loads a user by canonical id.
func (s *Service) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", normalize(userID)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("users: get: %w", err)
	}
	return user, nil
}

// FindByEmail returns the earliest registered user with the address.
func (s *Service) FindByEmail(ctx context.Context, email string) (User, error) {
	address := profileEmail(email)
	if address == "" {
		return User{}, ErrUserNotFound
	}
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", address).Order("created_at ASC").Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("users: find by email: %w", err)
	}
	return user, nil
}

// UpdateDisplayName renames the user.
func (s *Service) UpdateDisplayName(ctx context.Context, userID, displayName string) (User, error) {
	displayName = normalize(displayName)
	if displayName == "" {
		return User{}, ErrInvalidDisplayName
	}
	now := s.now().UTC()
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", normalize(userID)).
		Updates(map[string]interface{}{"display_name": displayName, "updated_at": now})
	if result.Error != nil {
		return User{}, fmt.Errorf("users: update display name: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return User{}, ErrUserNotFound
	}
	return s.GetUser(ctx, userID)
}

func profileEmail(email string) string {
	return Profile{Email: email}.normalized().Email
}
