package services

import (
	"context"

	"github.com/tbourn/telemsg-backend/internal/domain"
	"github.com/tbourn/telemsg-backend/internal/presence"
)

// SessionRegistry is the part of the connection registry exposed upward.
type SessionRegistry interface {
	Count() int
	IsOnline(userID string) bool
	Kick(userID, reason string) bool
	ListOnlineUserIDs() []string
	Stats() presence.Stats
}

// Coordinator is the facade the HTTP layer talks to. Each method is a direct
// call-through to the router, the lifecycle manager, or the registry.
type Coordinator struct {
	Router   *DeliveryRouter
	Messages *MessageService
	Sessions SessionRegistry
}

func (c *Coordinator) SendPrivate(ctx context.Context, senderID, receiverID string, typ domain.MessageType, content string, media domain.Media) (*domain.Message, error) {
	return c.Router.Route(ctx, senderID, Private(receiverID), typ, content, media)
}

func (c *Coordinator) SendGroup(ctx context.Context, senderID, groupID string, typ domain.MessageType, content string, media domain.Media) (*domain.Message, error) {
	return c.Router.Route(ctx, senderID, Group(groupID), typ, content, media)
}

func (c *Coordinator) MarkRead(ctx context.Context, senderID, receiverID string) (int64, error) {
	return c.Messages.MarkRead(ctx, senderID, receiverID)
}

func (c *Coordinator) Recall(ctx context.Context, messageID, operatorID string) (*domain.Message, error) {
	return c.Messages.Recall(ctx, messageID, operatorID)
}

func (c *Coordinator) SoftDelete(ctx context.Context, messageID, operatorID string) error {
	return c.Messages.SoftDelete(ctx, messageID, operatorID)
}

func (c *Coordinator) GetOnlineCount() int { return c.Sessions.Count() }

func (c *Coordinator) IsOnline(userID string) bool { return c.Sessions.IsOnline(userID) }

// Kick tears down the user's session and closes its connection. It reports
// false when the user had no session.
func (c *Coordinator) Kick(userID, reason string) bool { return c.Sessions.Kick(userID, reason) }

func (c *Coordinator) OnlineUsers() []string { return c.Sessions.ListOnlineUserIDs() }

func (c *Coordinator) SessionStats() presence.Stats { return c.Sessions.Stats() }
