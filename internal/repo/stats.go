package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/telemsg-backend/internal/domain"
)

// Freshness summarizes a message history for conditional GETs. Any send,
// status change, recall or delete moves Count or Latest.
type Freshness struct {
	Count  int64
	Latest time.Time // zero when Count is 0
}

// ConversationFreshness covers the live messages exchanged between a and b
// in either direction.
func ConversationFreshness(ctx context.Context, db *gorm.DB, a, b string) (Freshness, error) {
	return freshness(db.WithContext(ctx).Model(&domain.Message{}).Scopes(privateScope(a, b)))
}

// GroupFreshness covers the live messages of a group.
func GroupFreshness(ctx context.Context, db *gorm.DB, groupID string) (Freshness, error) {
	return freshness(db.WithContext(ctx).Model(&domain.Message{}).Where("group_id = ?", groupID))
}

func freshness(q *gorm.DB) (Freshness, error) {
	var f Freshness
	if err := q.Session(&gorm.Session{}).Count(&f.Count).Error; err != nil {
		return Freshness{}, err
	}
	if f.Count == 0 {
		return f, nil
	}
	// sqlite hands MAX(updated_at) back as TEXT, so read the newest row.
	var newest domain.Message
	if err := q.Select("updated_at").Order("updated_at DESC").Take(&newest).Error; err != nil {
		return Freshness{}, err
	}
	f.Latest = newest.UpdatedAt
	return f, nil
}
