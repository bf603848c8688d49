// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
//
// Soft-deleted rows are excluded automatically by gorm.DeletedAt, so every
// read path below only ever sees live messages.
package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/telemsg-backend/internal/domain"
)

// SaveMessage inserts m, filling MessageID and CreatedAt when empty.
func SaveMessage(ctx context.Context, db *gorm.DB, m *domain.Message) (*domain.Message, error) {
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = domain.StatusSent
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("message_id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMessageStatus moves a message to status `to`, but only if its current
// status is one of `from`. The affected row count tells the caller whether
// the transition happened; zero means the message was missing or already
// past `from`.
func UpdateMessageStatus(ctx context.Context, db *gorm.DB, id string, to domain.MessageStatus, from ...domain.MessageStatus) (int64, error) {
	q := db.WithContext(ctx).Model(&domain.Message{}).Where("message_id = ?", id)
	if len(from) > 0 {
		q = q.Where("status IN ?", from)
	}
	res := q.Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// MarkConversationRead flips every unread private message from senderID to
// receiverID to read in one statement.
func MarkConversationRead(ctx context.Context, db *gorm.DB, senderID, receiverID string) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("sender_id = ? AND receiver_id = ? AND group_id IS NULL", senderID, receiverID).
		Where("status IN ?", []domain.MessageStatus{domain.StatusSent, domain.StatusDelivered}).
		Updates(map[string]any{"status": domain.StatusRead, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// RecallMessage replaces the content of a message with placeholder and turns
// it into a system message. Media fields are cleared; status is untouched.
func RecallMessage(ctx context.Context, db *gorm.DB, id, placeholder string) error {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("message_id = ?", id).
		Updates(map[string]any{
			"content":    placeholder,
			"type":       domain.TypeSystem,
			"media_url":  "",
			"file_name":  "",
			"file_size":  0,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SoftDeleteMessage marks a message deleted. The row stays in storage.
func SoftDeleteMessage(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("message_id = ?", id).Delete(&domain.Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func privateScope(a, b string) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		return q.Where("group_id IS NULL").
			Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", a, b, b, a)
	}
}

// ListPrivatePage returns one page of the conversation between a and b,
// newest first (CreatedAt DESC, MessageID DESC), plus the total row count.
func ListPrivatePage(ctx context.Context, db *gorm.DB, a, b string, offset, limit int) ([]domain.Message, int64, error) {
	var (
		out   []domain.Message
		total int64
	)
	base := db.WithContext(ctx).Model(&domain.Message{}).Scopes(privateScope(a, b))
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := base.
		Order("created_at DESC, message_id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, total, err
}

// ListGroupPage returns one page of a group's messages, newest first, plus the
// total row count.
func ListGroupPage(ctx context.Context, db *gorm.DB, groupID string, offset, limit int) ([]domain.Message, int64, error) {
	var (
		out   []domain.Message
		total int64
	)
	base := db.WithContext(ctx).Model(&domain.Message{}).Where("group_id = ?", groupID)
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := base.
		Order("created_at DESC, message_id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, total, err
}

// SearchMessages finds messages visible to userID whose content contains
// keyword: private messages the user sent or received, and messages of groups
// the user belongs to. LIKE wildcards in keyword are matched literally.
func SearchMessages(ctx context.Context, db *gorm.DB, userID, keyword string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	pattern := "%" + escapeLike(keyword) + "%"
	members := db.Model(&domain.GroupMember{}).Select("group_id").Where("user_id = ?", userID)
	q := db.WithContext(ctx).
		Where("content LIKE ? ESCAPE '\\'", pattern).
		Where(
			db.Where("group_id IS NULL AND (sender_id = ? OR receiver_id = ?)", userID, userID).
				Or("group_id IN (?)", members),
		).
		Order("created_at DESC, message_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountUnreadPrivate counts private messages addressed to userID that have
// not been read yet.
func CountUnreadPrivate(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("receiver_id = ? AND group_id IS NULL AND status <> ?", userID, domain.StatusRead).
		Count(&n).Error
	return n, err
}

// CountUnreadGroup counts live messages in groupID sent by someone other than
// userID after since. Group messages carry one status for every member, so
// the caller supplies the time it last read the group.
func CountUnreadGroup(ctx context.Context, db *gorm.DB, groupID, userID string, since time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("group_id = ? AND sender_id <> ? AND created_at > ?", groupID, userID, since.UTC()).
		Count(&n).Error
	return n, err
}

// recentChatsSQL keeps the newest live message of every conversation the
// user takes part in: one per private peer and one per group they belong to.
const recentChatsSQL = `
SELECT * FROM (
	SELECT m.*, ROW_NUMBER() OVER (
		PARTITION BY CASE
			WHEN m.group_id IS NOT NULL THEN 'g:' || m.group_id
			WHEN m.sender_id = @user THEN 'u:' || m.receiver_id
			ELSE 'u:' || m.sender_id
		END
		ORDER BY m.created_at DESC, m.message_id DESC
	) AS rn
	FROM tm_messages m
	WHERE m.deleted_at IS NULL AND (
		(m.group_id IS NULL AND (m.sender_id = @user OR m.receiver_id = @user))
		OR m.group_id IN (SELECT group_id FROM tm_group_members WHERE user_id = @user)
	)
) WHERE rn = 1
ORDER BY created_at DESC, message_id DESC
LIMIT @limit`

// RecentChats returns the latest message of each of userID's conversations,
// most recently active first, at most limit rows.
func RecentChats(ctx context.Context, db *gorm.DB, userID string, limit int) ([]domain.Message, error) {
	out := []domain.Message{}
	err := db.WithContext(ctx).
		Raw(recentChatsSQL, sql.Named("user", userID), sql.Named("limit", limit)).
		Scan(&out).Error
	return out, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// MessageStore adapts the message repository functions to the durable store
// contract used by the delivery router and the lifecycle manager.
type MessageStore struct {
	DB *gorm.DB
}

func (s MessageStore) Save(ctx context.Context, m *domain.Message) (*domain.Message, error) {
	return SaveMessage(ctx, s.DB, m)
}

func (s MessageStore) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	return GetMessage(ctx, s.DB, id)
}

func (s MessageStore) UpdateStatus(ctx context.Context, id string, to domain.MessageStatus, from ...domain.MessageStatus) (int64, error) {
	return UpdateMessageStatus(ctx, s.DB, id, to, from...)
}

func (s MessageStore) MarkRead(ctx context.Context, senderID, receiverID string) (int64, error) {
	return MarkConversationRead(ctx, s.DB, senderID, receiverID)
}

func (s MessageStore) Recall(ctx context.Context, id, placeholder string) error {
	return RecallMessage(ctx, s.DB, id, placeholder)
}

func (s MessageStore) SoftDelete(ctx context.Context, id string) error {
	return SoftDeleteMessage(ctx, s.DB, id)
}

func (s MessageStore) PrivatePage(ctx context.Context, a, b string, offset, limit int) ([]domain.Message, int64, error) {
	return ListPrivatePage(ctx, s.DB, a, b, offset, limit)
}

func (s MessageStore) GroupPage(ctx context.Context, groupID string, offset, limit int) ([]domain.Message, int64, error) {
	return ListGroupPage(ctx, s.DB, groupID, offset, limit)
}

func (s MessageStore) Search(ctx context.Context, userID, keyword string, limit int) ([]domain.Message, error) {
	return SearchMessages(ctx, s.DB, userID, keyword, limit)
}

func (s MessageStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	return CountUnreadPrivate(ctx, s.DB, userID)
}

func (s MessageStore) CountUnreadGroup(ctx context.Context, groupID, userID string, since time.Time) (int64, error) {
	return CountUnreadGroup(ctx, s.DB, groupID, userID, since)
}

func (s MessageStore) RecentChats(ctx context.Context, userID string, limit int) ([]domain.Message, error) {
	return RecentChats(ctx, s.DB, userID, limit)
}
