// Package im is the real-time transport side of the backend. Adapter turns
// transport callbacks (login, logout, disconnect, inbound frames, acks, and
// lost pushes) into presence and delivery operations; Gateway is the
// WebSocket transport that raises those callbacks.
package im

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/tbourn/telemsg-backend/internal/domain"
	"github.com/tbourn/telemsg-backend/internal/events"
	"github.com/tbourn/telemsg-backend/internal/presence"
	"github.com/tbourn/telemsg-backend/internal/services"
)

// AuthResult is the numeric login verdict returned to the transport.
type AuthResult int

const (
	AuthOK                AuthResult = 0
	AuthUserNotFound      AuthResult = 1025
	AuthVerificationError AuthResult = 1026
)

// LogoutReason is the transport's logout code. It only feeds observability;
// teardown is the same for every code.
type LogoutReason int

const (
	LogoutVoluntary LogoutReason = 0
	LogoutKicked    LogoutReason = 1
)

func (r LogoutReason) closeReason() presence.CloseReason {
	if r == LogoutVoluntary {
		return presence.ReasonLogout
	}
	return presence.ReasonKicked
}

// LogoutRecorder persists a user going offline. Optional.
type LogoutRecorder interface {
	RecordLogout(ctx context.Context, userID string) error
}

// DeliveryFailure describes a push the transport could not complete. A
// router push carries its Fingerprint; a transport-originated message that
// was never persisted carries SenderID and Send instead.
type DeliveryFailure struct {
	Fingerprint string
	SenderID    string
	Send        *SendPayload
	Cause       error
}

// Adapter translates transport callbacks into coordinator calls. Every
// handler is safe for concurrent use.
type Adapter struct {
	Registry *presence.Registry
	Tracker  *presence.Tracker
	Users    services.UserDirectory
	Router   *services.DeliveryRouter
	Messages *services.MessageService

	// Optional collaborators
	Verifier TokenVerifier
	Logouts  LogoutRecorder
	Losses   events.Sink
	Now      func() time.Time
}

func (a *Adapter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// OnLoginVerify checks that userID exists and, when a verifier is
// configured, that token belongs to it. It never mutates state.
func (a *Adapter) OnLoginVerify(ctx context.Context, userID, token string) AuthResult {
	ok, err := a.Users.Exists(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("login verification failed")
		return AuthVerificationError
	}
	if !ok {
		log.Warn().Str("user_id", userID).Msg("login rejected: unknown user")
		return AuthUserNotFound
	}
	if a.Verifier != nil {
		if err := a.Verifier.Verify(userID, token); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("login rejected: bad credential")
			return AuthVerificationError
		}
	}
	return AuthOK
}

// OnLoginSuccess binds conn to userID, superseding any previous session, and
// records login metadata. Calling it twice for the same login is harmless.
func (a *Adapter) OnLoginSuccess(ctx context.Context, userID string, conn presence.Conn) error {
	if err := a.Registry.Register(userID, conn); err != nil {
		return err
	}
	if err := a.Users.RecordLogin(ctx, userID, conn.RemoteAddr(), a.now()); err != nil {
		// presence is already live; a failed bookkeeping write must not undo it
		log.Warn().Err(err).Str("user_id", userID).Msg("record login")
	}
	log.Info().Str("user_id", userID).Str("conn_id", conn.ID()).Str("ip", conn.RemoteAddr()).Msg("user online")
	return nil
}

// OnLogout ends the user's session. When conn is given, only a session still
// bound to conn is ended.
func (a *Adapter) OnLogout(ctx context.Context, userID string, conn presence.Conn, reason LogoutReason) {
	var removed bool
	if conn != nil {
		removed = a.Registry.EndSession(userID, conn, reason.closeReason())
	} else {
		removed = a.Registry.Unregister(userID)
	}
	if removed {
		a.recordLogout(ctx, userID)
	}
	log.Info().Str("user_id", userID).Int("reason_code", int(reason)).Bool("removed", removed).Msg("user logout")
}

// OnDisconnect handles a dropped connection that never sent a logout. A
// disconnect for a superseded connection is ignored.
func (a *Adapter) OnDisconnect(ctx context.Context, conn presence.Conn) {
	userID, _ := a.Registry.UserForConnection(conn.ID())
	if !a.Registry.UnregisterByConnection(conn) {
		return
	}
	a.recordLogout(ctx, userID)
	log.Info().Str("user_id", userID).Str("conn_id", conn.ID()).Msg("connection dropped")
}

func (a *Adapter) recordLogout(ctx context.Context, userID string) {
	if a.Logouts == nil || userID == "" {
		return
	}
	if err := a.Logouts.RecordLogout(ctx, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("record logout")
	}
}

// OnInboundControlFrame dispatches a client frame on its type. It returns a
// reply frame for the client, or nil. Unknown frames are logged and dropped.
func (a *Adapter) OnInboundControlFrame(ctx context.Context, userID string, f Frame) *Frame {
	switch f.Type {
	case FrameHeartbeat:
		if !a.Tracker.Touch(userID) {
			log.Debug().Str("user_id", userID).Msg("heartbeat for absent session dropped")
		}
	case FrameAck:
		a.OnDeliveryAck(ctx, userID, f.Fingerprint)
	case FrameSystem:
		log.Debug().Str("user_id", userID).RawJSON("payload", rawOrNull(f.Payload)).Msg("system frame")
	case FrameMessage:
		return a.handleSend(ctx, userID, f.Payload)
	default:
		log.Warn().Str("user_id", userID).Str("type", string(f.Type)).Msg("unknown frame type dropped")
	}
	return nil
}

func (a *Adapter) handleSend(ctx context.Context, userID string, raw json.RawMessage) *Frame {
	var p SendPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return replyFrame(FrameError, errorReply{Code: "bad_request", Message: "malformed message payload"})
	}
	msg, err := a.Router.Route(ctx, userID, sendTarget(p), sendType(p), p.Content, p.media())
	if err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("client send rejected")
		return replyFrame(FrameError, errorReply{ClientRef: p.ClientRef, Code: errorCode(err), Message: err.Error()})
	}
	return replyFrame(FrameSent, sentReceipt{ClientRef: p.ClientRef, MessageID: msg.MessageID})
}

// OnOutboundDeliveryFailed hands a failed push to the offline path. It
// returns true when the message is durably stored and the transport must
// not retry.
func (a *Adapter) OnOutboundDeliveryFailed(ctx context.Context, f DeliveryFailure) bool {
	if f.Fingerprint != "" {
		a.Router.HandleFailedPush(f.Fingerprint, f.Cause)
		return true
	}
	if f.Send == nil || f.SenderID == "" {
		return false
	}
	msg, err := a.Router.Enqueue(ctx, f.SenderID, sendTarget(*f.Send), sendType(*f.Send), f.Send.Content, f.Send.media())
	if err != nil {
		log.Error().Err(err).Str("sender_id", f.SenderID).Msg("offline store after failed push")
		return false
	}
	log.Info().Str("message_id", msg.MessageID).Msg("failed push stored for offline pickup")
	return true
}

// OnDeliveryAck marks the message behind fingerprint delivered when userID
// is the user it was pushed to. An ack that arrives after the push was
// reported lost still counts; repeated acks are no-ops.
func (a *Adapter) OnDeliveryAck(ctx context.Context, userID, fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	ok, err := a.Messages.MarkDeliveredByFingerprint(ctx, userID, fingerprint)
	if err != nil {
		log.Error().Err(err).Str("fingerprint", fingerprint).Msg("apply delivery ack")
		return false
	}
	return ok
}

// OnDeliveryLoss records the named pushes as lost and surfaces them to the
// loss sink. Nothing is resent. A nil or empty list is a no-op.
func (a *Adapter) OnDeliveryLoss(ctx context.Context, fingerprints []string) []events.LossReport {
	if len(fingerprints) == 0 {
		return nil
	}
	lost := a.Messages.ReportLost(lo.Uniq(fingerprints))
	if len(lost) == 0 {
		return nil
	}
	at := a.now()
	reports := lo.Map(lost, func(p services.PendingDelivery, _ int) events.LossReport {
		return events.LossReport{
			Fingerprint: p.Fingerprint,
			MessageID:   p.MessageID,
			UserID:      p.UserID,
			PushedAt:    p.PushedAt,
			ReportedAt:  at,
		}
	})
	if a.Losses != nil {
		if err := a.Losses.PublishLosses(ctx, reports); err != nil {
			log.Error().Err(err).Int("count", len(reports)).Msg("publish delivery losses")
		}
	}
	return reports
}

// PruneDeliveries forgets pending deliveries pushed more than maxAge ago,
// acknowledged or not, and returns how many were dropped.
func (a *Adapter) PruneDeliveries(maxAge time.Duration) int {
	if a.Messages == nil || a.Messages.Fingerprints == nil {
		return 0
	}
	n := a.Messages.Fingerprints.Prune(maxAge)
	if n > 0 {
		log.Info().Int("pruned", n).Msg("stale delivery fingerprints dropped")
	}
	return n
}

// OnSessionsExpired records a logout for every user the liveness sweep
// evicted.
func (a *Adapter) OnSessionsExpired(ctx context.Context, userIDs []string) {
	for _, id := range userIDs {
		a.recordLogout(ctx, id)
	}
}

func sendTarget(p SendPayload) services.Target {
	return services.Target{ReceiverID: p.To, GroupID: p.GroupID}
}

func sendType(p SendPayload) domain.MessageType {
	if p.MessageType == "" {
		return domain.TypeText
	}
	return p.MessageType
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return "not_found"
	case errors.Is(err, services.ErrPermissionDenied):
		return "forbidden"
	case errors.Is(err, services.ErrInvalidState):
		return "invalid"
	default:
		return "internal"
	}
}

func rawOrNull(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
