package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/telemsg-backend/internal/domain"
)

// ErrDuplicate is returned by SaveReceipt when (user, scope, key) already
// has a receipt.
var ErrDuplicate = errors.New("duplicate")

// FindReceipt returns the live receipt for (userID, scope, key), or
// ErrNotFound when there is none or it has expired.
func FindReceipt(ctx context.Context, db *gorm.DB, userID, scope, key string, now time.Time) (*domain.SendReceipt, error) {
	if strings.TrimSpace(scope) == "" || strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var r domain.SendReceipt
	err := db.WithContext(ctx).
		Where("user_id = ? AND scope = ? AND key = ? AND expires_at > ?", userID, scope, key, now).
		Take(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ReplayedMessage resolves a live receipt to the message it recorded. A
// receipt whose message has since been soft-deleted yields ErrNotFound.
func ReplayedMessage(ctx context.Context, db *gorm.DB, userID, scope, key string, now time.Time) (*domain.Message, error) {
	r, err := FindReceipt(ctx, db, userID, scope, key, now)
	if err != nil {
		return nil, err
	}
	return GetMessage(ctx, db, r.MessageID)
}

// SaveReceipt records that the request (userID, scope, key) created
// messageID. The first writer wins; later writers get ErrDuplicate.
func SaveReceipt(ctx context.Context, db *gorm.DB, userID, scope, key, messageID string, now time.Time, ttl time.Duration) error {
	r := &domain.SendReceipt{
		ID:        uuid.NewString(),
		UserID:    userID,
		Scope:     scope,
		Key:       key,
		MessageID: messageID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(r)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

// PurgeExpiredReceipts deletes receipts that expired at or before now.
func PurgeExpiredReceipts(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.SendReceipt{})
	return res.RowsAffected, res.Error
}
