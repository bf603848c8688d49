// Package services – MessageService
//
// This file implements MessageService, the component that owns the status
// state machine of persisted messages and the recall/delete rules:
//
//	sent ──ack──▶ delivered ──mark read──▶ read
//	  └───────────mark read──────────────▶ read
//
// There is no transition back to sent. A persisted message never becomes
// failed; a lost push is reported, not failed. Recall rewrites content and
// type but never status. Soft-deleted messages disappear from every read
// path below.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// message and user identifiers.

package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/tbourn/telemsg-backend/internal/domain"
	"github.com/tbourn/telemsg-backend/internal/search"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// RecalledPlaceholder replaces the content of a recalled message.
	RecalledPlaceholder = "[message recalled]"

	// DefaultRecallWindow is how long after creation a sender may recall.
	DefaultRecallWindow = 2 * time.Minute

	defaultPageSize = 20
	maxPageSize     = 100
	maxSearchHits   = 200

	defaultRecentChats = 50
)

// MessageService coordinates status transitions, recall, deletion, and the
// history read paths.
type MessageService struct {
	Store        MessageStore
	History      HistoryStore
	Groups       GroupMembership
	Fingerprints *Fingerprints

	RecallWindow time.Duration
	Now          func() time.Time
}

func (s *MessageService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *MessageService) recallWindow() time.Duration {
	if s.RecallWindow > 0 {
		return s.RecallWindow
	}
	return DefaultRecallWindow
}

func tracer() trace.Tracer { return otel.Tracer("services/MessageService") }

// Get returns a live (non-deleted) message.
func (s *MessageService) Get(ctx context.Context, messageID string) (*domain.Message, error) {
	m, err := s.Store.FindByID(ctx, messageID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	return m, err
}

// MarkDeliveredByFingerprint applies a delivery acknowledgement from
// userID. It reports whether the message moved from sent to delivered. An
// ack for a push already reported lost still applies. Unknown fingerprints,
// acks from a user the push was not addressed to, repeated acks and acks
// for messages already read are no-ops. An empty userID skips the
// addressee check.
func (s *MessageService) MarkDeliveredByFingerprint(ctx context.Context, userID, fingerprint string) (bool, error) {
	ctx, span := tracer().Start(ctx, "MarkDeliveredByFingerprint",
		trace.WithAttributes(
			attribute.String("fingerprint", fingerprint),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	p, ok := s.Fingerprints.Resolve(fingerprint)
	if !ok {
		acks.WithLabelValues("unknown").Inc()
		return false, nil
	}
	if userID != "" && p.UserID != userID {
		acks.WithLabelValues("foreign").Inc()
		log.Warn().Str("fingerprint", fingerprint).Str("user_id", userID).Str("addressee", p.UserID).Msg("ack from another user ignored")
		return false, nil
	}
	n, err := s.Store.UpdateStatus(ctx, p.MessageID, domain.StatusDelivered, domain.StatusSent)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	s.Fingerprints.Forget(fingerprint)
	if n == 0 {
		acks.WithLabelValues("duplicate").Inc()
		return false, nil
	}
	if p.Lost {
		acks.WithLabelValues("late").Inc()
	} else {
		acks.WithLabelValues("applied").Inc()
	}
	span.SetAttributes(attribute.String("message.id", p.MessageID))
	return true, nil
}

// ReportLost flags the named fingerprints as lost and returns the
// deliveries they referred to. Message status is untouched and nothing is
// resent; the caller surfaces the loss for an external retry policy. The
// mapping is kept until an ack arrives or Prune ages it out. Unknown and
// already reported fingerprints are skipped.
func (s *MessageService) ReportLost(fingerprints []string) []PendingDelivery {
	out := make([]PendingDelivery, 0, len(fingerprints))
	for _, fp := range fingerprints {
		p, ok := s.Fingerprints.MarkLost(fp)
		if !ok {
			continue
		}
		losses.Inc()
		out = append(out, p)
	}
	return out
}

// MarkRead marks every unread private message from senderID to receiverID
// as read in one bulk transition and returns how many changed.
func (s *MessageService) MarkRead(ctx context.Context, senderID, receiverID string) (int64, error) {
	ctx, span := tracer().Start(ctx, "MarkRead",
		trace.WithAttributes(
			attribute.String("sender.id", senderID),
			attribute.String("receiver.id", receiverID),
		),
	)
	defer span.End()

	n, err := s.Store.MarkRead(ctx, senderID, receiverID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Debug().Str("sender_id", senderID).Str("receiver_id", receiverID).Int64("count", n).Msg("messages marked read")
	}
	return n, nil
}

// Recall replaces the content of a message with RecalledPlaceholder and
// turns it into a system message. Only the sender may recall, and only
// within the recall window of CreatedAt. Status is unchanged.
func (s *MessageService) Recall(ctx context.Context, messageID, operatorID string) (*domain.Message, error) {
	ctx, span := tracer().Start(ctx, "Recall",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("user.id", operatorID),
		),
	)
	defer span.End()

	m, err := s.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != operatorID {
		return nil, ErrNotSender
	}
	if m.Type == domain.TypeSystem && m.Content == RecalledPlaceholder {
		return nil, ErrAlreadyRecalled
	}
	if s.now().Sub(m.CreatedAt) > s.recallWindow() {
		return nil, ErrRecallExpired
	}

	if err := s.Store.Recall(ctx, messageID, RecalledPlaceholder); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	m.Content = RecalledPlaceholder
	m.Type = domain.TypeSystem
	m.MediaURL, m.FileName, m.FileSize = "", "", 0
	log.Info().Str("message_id", messageID).Str("operator_id", operatorID).Msg("message recalled")
	return m, nil
}

// SoftDelete hides a message from all read paths. The sender may delete any
// of their messages; for group messages, owners and admins may delete too.
func (s *MessageService) SoftDelete(ctx context.Context, messageID, operatorID string) error {
	ctx, span := tracer().Start(ctx, "SoftDelete",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("user.id", operatorID),
		),
	)
	defer span.End()

	m, err := s.Get(ctx, messageID)
	if err != nil {
		return err
	}
	allowed := m.SenderID == operatorID
	if !allowed && m.IsGroup() {
		allowed, err = s.Groups.HasAdminRights(ctx, *m.GroupID, operatorID)
		if err != nil {
			return err
		}
	}
	if !allowed {
		return ErrCannotDelete
	}

	if err := s.Store.SoftDelete(ctx, messageID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	log.Info().Str("message_id", messageID).Str("operator_id", operatorID).Msg("message deleted")
	return nil
}

func normalizePage(page, pageSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return (page - 1) * pageSize, pageSize
}

// PrivateHistory returns one page of the conversation between userID and
// peerID, newest first, plus the total count.
func (s *MessageService) PrivateHistory(ctx context.Context, userID, peerID string, page, pageSize int) ([]domain.Message, int64, error) {
	ctx, span := tracer().Start(ctx, "PrivateHistory",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("peer.id", peerID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	offset, limit := normalizePage(page, pageSize)
	return s.History.PrivatePage(ctx, userID, peerID, offset, limit)
}

// GroupHistory returns one page of a group's messages, newest first. Only
// members may read it.
func (s *MessageService) GroupHistory(ctx context.Context, userID, groupID string, page, pageSize int) ([]domain.Message, int64, error) {
	ctx, span := tracer().Start(ctx, "GroupHistory",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("group.id", groupID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	ok, err := s.Groups.IsMember(ctx, groupID, userID)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, ErrNotMember
	}
	offset, limit := normalizePage(page, pageSize)
	return s.History.GroupPage(ctx, groupID, offset, limit)
}

// Search finds messages visible to userID containing keyword, best word
// matches first and newest first among equals. A blank keyword yields an
// empty result.
func (s *MessageService) Search(ctx context.Context, userID, keyword string) ([]domain.Message, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return []domain.Message{}, nil
	}
	ctx, span := tracer().Start(ctx, "Search",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()
	hits, err := s.History.Search(ctx, userID, keyword, maxSearchHits)
	if err != nil {
		return nil, err
	}
	return search.Rank(keyword, hits), nil
}

// UnreadCount counts private messages addressed to userID not yet read.
func (s *MessageService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return s.History.CountUnread(ctx, userID)
}

// GroupUnreadCount counts messages other members posted to groupID after
// since. Only members may ask.
func (s *MessageService) GroupUnreadCount(ctx context.Context, userID, groupID string, since time.Time) (int64, error) {
	ok, err := s.Groups.IsMember(ctx, groupID, userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotMember
	}
	return s.History.CountUnreadGroup(ctx, groupID, userID, since)
}

// RecentChats lists userID's conversations, most recently active first, each
// with its newest live message. limit <= 0 selects a default; it is capped
// like a history page.
func (s *MessageService) RecentChats(ctx context.Context, userID string, limit int) ([]domain.ChatSummary, error) {
	ctx, span := tracer().Start(ctx, "RecentChats",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	if limit <= 0 {
		limit = defaultRecentChats
	}
	limit = min(limit, maxPageSize)
	last, err := s.History.RecentChats(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return lo.Map(last, func(m domain.Message, _ int) domain.ChatSummary {
		return domain.SummaryFor(userID, m)
	}), nil
}
