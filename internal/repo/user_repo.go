// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model
// and the UserDirectory adapter consumed by the messaging services.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a row is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Functions:
//
//   - CreateUser(ctx, db, userID, username) -> *domain.User, error
//     Inserts a new User row with offline status.
//
//   - GetUser(ctx, db, userID) -> *domain.User, error
//     Fetches a user by ID, or ErrNotFound if missing.
//
//   - UserExists(ctx, db, userID) -> bool, error
//     Cheap existence check used by send validation and login verification.
//
//   - RecordLogin(ctx, db, userID, ip, at) -> error
//     Stores last login time/IP and flips the status flag to online.
//
//   - SetUserStatus(ctx, db, userID, status) -> error
//     Updates the persisted presence flag.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/telemsg-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateUser inserts a new User row. The status starts as offline.
func CreateUser(ctx context.Context, db *gorm.DB, userID, username string) (*domain.User, error) {
	u := &domain.User{
		UserID:    userID,
		Username:  username,
		Status:    domain.UserOffline,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser fetches a single user by ID. If the record does not exist, it
// returns ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, userID string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("user_id = ?", userID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// UserExists reports whether a non-deleted user with userID exists.
func UserExists(ctx context.Context, db *gorm.DB, userID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("user_id = ?", userID).
		Count(&n).Error
	return n > 0, err
}

// RecordLogin stores the last login timestamp and remote address, and marks
// the user online. Missing users yield ErrNotFound.
func RecordLogin(ctx context.Context, db *gorm.DB, userID, ip string, at time.Time) error {
	at = at.UTC()
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"last_login_at": at,
			"last_login_ip": ip,
			"status":        domain.UserOnline,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetUserStatus updates the persisted presence flag of a user.
func SetUserStatus(ctx context.Context, db *gorm.DB, userID string, status domain.UserStatus) error {
	return db.WithContext(ctx).
		Model(&domain.User{}).
		Where("user_id = ?", userID).
		Update("status", status).Error
}

// UserDirectory adapts the user repository functions to the directory
// contract used by the delivery router and the transport adapter.
type UserDirectory struct {
	DB *gorm.DB
}

// Exists reports whether userID is a known, non-deleted user.
func (d UserDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	return UserExists(ctx, d.DB, userID)
}

// RecordLogin persists last-login metadata for userID.
func (d UserDirectory) RecordLogin(ctx context.Context, userID, ip string, at time.Time) error {
	return RecordLogin(ctx, d.DB, userID, ip, at)
}

// RecordLogout flips the persisted presence flag back to offline.
func (d UserDirectory) RecordLogout(ctx context.Context, userID string) error {
	return SetUserStatus(ctx, d.DB, userID, domain.UserOffline)
}
