// Package services – DeliveryRouter
//
// This file implements DeliveryRouter, which accepts an outbound message,
// validates it, persists it, and then decides whether a live push is worth
// attempting. Persistence always happens first, so a message is durable
// whether or not the recipient is reachable; a failed push only delays
// pickup until the recipient's next history fetch.
//
// Observability: Route is OpenTelemetry-instrumented and every attempt is
// counted in im_deliveries_total by outcome.

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/telemsg-backend/internal/domain"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Target names the conversation a message goes to. Exactly one of
// ReceiverID and GroupID must be set.
type Target struct {
	ReceiverID string
	GroupID    string
}

// Private targets a one-to-one conversation.
func Private(receiverID string) Target { return Target{ReceiverID: receiverID} }

// Group targets a group conversation.
func Group(groupID string) Target { return Target{GroupID: groupID} }

// IsGroup reports whether t addresses a group.
func (t Target) IsGroup() bool { return t.GroupID != "" }

func (t Target) validate() error {
	if (t.ReceiverID == "") == (t.GroupID == "") {
		return ErrInvalidTarget
	}
	return nil
}

// DeliveryRouter decides between live delivery and offline fallback for each
// outbound message. Pusher and Broadcaster are optional; without them every
// message takes the offline path.
type DeliveryRouter struct {
	Users        UserDirectory
	Groups       GroupMembership
	Store        MessageStore
	Presence     Presence
	Pusher       Pusher
	Broadcaster  GroupBroadcaster
	Fingerprints *Fingerprints

	// Optional guard
	MaxContentRunes int
}

// Route validates, persists, and (for online private receivers) pushes a
// message. The persisted message is returned regardless of whether the push
// succeeded; push failures are absorbed here and never reach the caller.
func (r *DeliveryRouter) Route(ctx context.Context, senderID string, target Target, typ domain.MessageType, content string, media domain.Media) (*domain.Message, error) {
	tr := otel.Tracer("services/DeliveryRouter")
	ctx, span := tr.Start(ctx, "Route",
		trace.WithAttributes(
			attribute.String("sender.id", senderID),
			attribute.String("receiver.id", target.ReceiverID),
			attribute.String("group.id", target.GroupID),
			attribute.String("message.type", string(typ)),
		),
	)
	defer span.End()

	msg, err := r.accept(ctx, senderID, target, typ, content, media)
	if err != nil {
		deliveries.WithLabelValues(string(OutcomeRejected)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	outcome := OutcomeQueuedOffline
	if target.IsGroup() {
		r.broadcast(ctx, msg)
	} else {
		outcome = r.deliverLive(ctx, msg)
	}
	deliveries.WithLabelValues(string(outcome)).Inc()
	span.SetAttributes(
		attribute.String("message.id", msg.MessageID),
		attribute.String("delivery.outcome", string(outcome)),
	)
	log.Debug().
		Str("component", "router").
		Str("message_id", msg.MessageID).
		Str("sender_id", senderID).
		Str("outcome", string(outcome)).
		Msg("message routed")
	return msg, nil
}

// Enqueue validates and persists a message without attempting any live
// delivery. It is the offline path for messages the transport failed to push
// before they were ever stored.
func (r *DeliveryRouter) Enqueue(ctx context.Context, senderID string, target Target, typ domain.MessageType, content string, media domain.Media) (*domain.Message, error) {
	msg, err := r.accept(ctx, senderID, target, typ, content, media)
	if err != nil {
		deliveries.WithLabelValues(string(OutcomeRejected)).Inc()
		return nil, err
	}
	deliveries.WithLabelValues(string(OutcomeQueuedOffline)).Inc()
	return msg, nil
}

// HandleFailedPush drops the pending fingerprint of a push the transport
// could not complete. The message itself is already durable and unchanged.
func (r *DeliveryRouter) HandleFailedPush(fingerprint string, cause error) {
	p, ok := r.Fingerprints.Take(fingerprint)
	ev := log.Warn()
	if errors.Is(cause, ErrTransportUnavailable) {
		ev = log.Debug()
	}
	ev.Err(cause).
		Str("component", "router").
		Str("fingerprint", fingerprint).
		Str("message_id", p.MessageID).
		Bool("known", ok).
		Msg("live push failed, message left for offline pickup")
}

// accept is the validate-then-act half of Route: nothing is written unless
// every check passes.
func (r *DeliveryRouter) accept(ctx context.Context, senderID string, target Target, typ domain.MessageType, content string, media domain.Media) (*domain.Message, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}
	if !typ.Valid() {
		return nil, ErrInvalidType
	}
	content = norm.NFC.String(strings.TrimSpace(content))
	if content == "" && media.URL == "" {
		return nil, ErrEmptyContent
	}
	if r.MaxContentRunes > 0 && utf8.RuneCountInString(content) > r.MaxContentRunes {
		return nil, ErrTooLong
	}

	ok, err := r.Users.Exists(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("check sender: %w", err)
	}
	if !ok {
		return nil, ErrSenderNotFound
	}

	msg := &domain.Message{
		SenderID: senderID,
		Type:     typ,
		Content:  content,
		MediaURL: media.URL,
		FileName: media.FileName,
		FileSize: media.FileSize,
		Status:   domain.StatusSent,
	}
	if target.IsGroup() {
		ok, err = r.Groups.IsMember(ctx, target.GroupID, senderID)
		if err != nil {
			return nil, fmt.Errorf("check membership: %w", err)
		}
		if !ok {
			return nil, ErrNotMember
		}
		gid := target.GroupID
		msg.GroupID = &gid
	} else {
		ok, err = r.Users.Exists(ctx, target.ReceiverID)
		if err != nil {
			return nil, fmt.Errorf("check receiver: %w", err)
		}
		if !ok {
			return nil, ErrReceiverNotFound
		}
		rid := target.ReceiverID
		msg.ReceiverID = &rid
	}

	return r.Store.Save(ctx, msg)
}

// deliverLive pushes msg to an online receiver. The fingerprint is recorded
// before the push so an acknowledgement can never outrun its mapping.
func (r *DeliveryRouter) deliverLive(ctx context.Context, msg *domain.Message) Outcome {
	receiver := *msg.ReceiverID
	if r.Pusher == nil || r.Presence == nil || !r.Presence.IsOnline(receiver) {
		return OutcomeQueuedOffline
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("message_id", msg.MessageID).Msg("encode push payload")
		return OutcomeQueuedOffline
	}

	fp := uuid.NewString()
	r.Fingerprints.Record(fp, msg.MessageID, receiver)
	if err := r.Pusher.Push(ctx, receiver, fp, payload); err != nil {
		r.HandleFailedPush(fp, err)
		return OutcomeQueuedOffline
	}
	return OutcomeDeliveredLive
}

func (r *DeliveryRouter) broadcast(ctx context.Context, msg *domain.Message) {
	if r.Broadcaster == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("message_id", msg.MessageID).Msg("encode broadcast payload")
		return
	}
	r.Broadcaster.Broadcast(ctx, *msg.GroupID, msg.SenderID, payload)
}
