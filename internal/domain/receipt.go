package domain

import "time"

// SendReceipt remembers which message a send request created, so a retry
// carrying the same Idempotency-Key gets that message back instead of a
// second copy. Receipts are per user and per conversation scope ("private"
// or "group:<id>") and expire after a TTL.
type SendReceipt struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey" json:"-"`
	UserID    string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_receipt_user_scope_key,priority:1" json:"user_id"`
	Scope     string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_receipt_user_scope_key,priority:2" json:"scope"`
	Key       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_receipt_user_scope_key,priority:3" json:"key"`
	MessageID string    `gorm:"type:TEXT NOT NULL" json:"message_id"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL" json:"created_at"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index" json:"expires_at"`
}

func (SendReceipt) TableName() string { return "tm_send_receipts" }

// Live reports whether the receipt still answers retries at now.
func (r SendReceipt) Live(now time.Time) bool { return now.Before(r.ExpiresAt) }
