// Package domain defines the persistence models for users, groups, group
// memberships, and messages. Types are mapped with GORM and form the core
// data layer of the messaging backend.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// MessageType classifies the payload carried by a Message.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeVoice  MessageType = "voice"
	TypeVideo  MessageType = "video"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVoice, TypeVideo, TypeFile, TypeSystem:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a persisted message.
//
// Allowed transitions: sent → delivered → read, sent → read. There is no
// transition back to sent, and failed is never written for a persisted row.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// MemberRole is a user's role inside a group.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// HasAdminRights reports whether the role may moderate group content.
func (r MemberRole) HasAdminRights() bool {
	return r == RoleOwner || r == RoleAdmin
}

// UserStatus is the coarse presence flag persisted on the user row.
type UserStatus string

const (
	UserOnline  UserStatus = "online"
	UserOffline UserStatus = "offline"
)

// User is a registered account. Only the fields the messaging core needs are
// modeled here; credentials live with the external auth collaborator.
//
// Fields:
//   - UserID: stable external identifier (unique).
//   - Username: display/login name.
//   - Status: last persisted presence flag (online/offline).
//   - LastLoginAt / LastLoginIP: recorded on successful transport login.
//   - DeletedAt: soft deletion marker.
type User struct {
	UserID      string         `json:"user_id"       gorm:"type:varchar(50);primaryKey"`
	Username    string         `json:"username"      gorm:"type:varchar(100);not null;uniqueIndex"`
	Status      UserStatus     `json:"status"        gorm:"type:varchar(16);not null;default:'offline'"`
	LastLoginAt *time.Time     `json:"last_login_at,omitempty"`
	LastLoginIP string         `json:"last_login_ip,omitempty" gorm:"type:varchar(64)"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-"             gorm:"index"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "tm_users" }

// Group is a multi-user conversation.
type Group struct {
	GroupID   string         `json:"group_id"   gorm:"type:varchar(50);primaryKey"`
	Name      string         `json:"name"       gorm:"type:varchar(100);not null"`
	OwnerID   string         `json:"owner_id"   gorm:"type:varchar(50);not null;index"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for Group.
func (Group) TableName() string { return "tm_groups" }

// GroupMember links a user to a group with a role. A user appears at most once
// per group (enforced by unique index).
type GroupMember struct {
	ID        uint       `json:"-"         gorm:"primaryKey;autoIncrement"`
	GroupID   string     `json:"group_id"  gorm:"type:varchar(50);not null;uniqueIndex:ux_group_member,priority:1"`
	UserID    string     `json:"user_id"   gorm:"type:varchar(50);not null;uniqueIndex:ux_group_member,priority:2;index"`
	Role      MemberRole `json:"role"      gorm:"type:varchar(16);not null;default:'member'"`
	JoinedAt  time.Time  `json:"joined_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName returns the database table name for GroupMember.
func (GroupMember) TableName() string { return "tm_group_members" }

// Message is a single durable chat message. Exactly one of ReceiverID
// (private) or GroupID (group) is set.
//
// Fields:
//   - MessageID: UUID primary key, immutable after creation.
//   - SenderID: author of the message.
//   - ReceiverID / GroupID: conversation target (mutually exclusive).
//   - Type: payload kind; recall rewrites it to "system".
//   - Content, MediaURL, FileName, FileSize: payload.
//   - Status: delivery state (see MessageStatus).
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker; deleted rows are invisible to reads.
type Message struct {
	MessageID  string         `json:"message_id"            gorm:"type:char(36);primaryKey"`
	SenderID   string         `json:"sender_id"             gorm:"type:varchar(50);not null;index:idx_msg_private,priority:1"`
	ReceiverID *string        `json:"receiver_id,omitempty" gorm:"type:varchar(50);index:idx_msg_private,priority:2"`
	GroupID    *string        `json:"group_id,omitempty"    gorm:"type:varchar(50);index:idx_msg_group"`
	Type       MessageType    `json:"type"                  gorm:"type:varchar(16);not null"`
	Content    string         `json:"content"               gorm:"type:text"`
	MediaURL   string         `json:"media_url,omitempty"   gorm:"type:varchar(500)"`
	FileName   string         `json:"file_name,omitempty"   gorm:"type:varchar(200)"`
	FileSize   int64          `json:"file_size,omitempty"`
	Status     MessageStatus  `json:"status"                gorm:"type:varchar(16);not null;default:'sent';index"`
	CreatedAt  time.Time      `json:"created_at"            gorm:"index"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `json:"-"                     gorm:"index"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "tm_messages" }

// IsGroup reports whether the message targets a group.
func (m *Message) IsGroup() bool { return m.GroupID != nil && *m.GroupID != "" }

// ChatSummary is one row of a user's conversation list: a private peer or a
// group, with the newest live message exchanged there.
type ChatSummary struct {
	PeerID  string  `json:"peer_id,omitempty"`
	GroupID string  `json:"group_id,omitempty"`
	Last    Message `json:"last_message"`
}

// SummaryFor builds the conversation-list row of m as seen by userID.
func SummaryFor(userID string, m Message) ChatSummary {
	switch {
	case m.IsGroup():
		return ChatSummary{GroupID: *m.GroupID, Last: m}
	case m.SenderID == userID && m.ReceiverID != nil:
		return ChatSummary{PeerID: *m.ReceiverID, Last: m}
	default:
		return ChatSummary{PeerID: m.SenderID, Last: m}
	}
}

// Media groups the optional attachment fields of an outbound message.
type Media struct {
	URL      string `json:"media_url,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}
