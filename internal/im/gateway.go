package im

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/telemsg-backend/internal/services"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxFrameBytes = 64 << 10

	broadcastTimeout = 5 * time.Second
)

// Gateway defaults.
const (
	DefaultSendBuffer = 256
	DefaultAckTimeout = 15 * time.Second
)

// MemberLister lists the members of a group for fan-out.
type MemberLister interface {
	MemberIDs(ctx context.Context, groupID string) ([]string, error)
}

// GatewayConfig tunes the WebSocket transport. Zero values take defaults.
type GatewayConfig struct {
	SendBuffer  int
	AckTimeout  time.Duration
	CheckOrigin func(r *http.Request) bool
}

type outbound struct {
	fingerprint string
	data        []byte
}

// wsConn is one client WebSocket. It satisfies presence.Conn.
type wsConn struct {
	id     string
	userID string
	remote string
	ws     *websocket.Conn
	send   chan outbound
	done   chan struct{}
	once   sync.Once
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.remote }

func (c *wsConn) Active() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// enqueue never blocks: a closed connection or a full buffer is reported as
// transport unavailable.
func (c *wsConn) enqueue(m outbound) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", services.ErrTransportUnavailable)
	default:
	}
	select {
	case c.send <- m:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: connection closed", services.ErrTransportUnavailable)
	default:
		return fmt.Errorf("%w: send buffer full", services.ErrTransportUnavailable)
	}
}

type pendingAck struct {
	userID   string
	deadline time.Time
}

// Gateway is the WebSocket transport. It authenticates upgrades through the
// Adapter, pumps frames in both directions, and serves as the Pusher and
// GroupBroadcaster of the delivery router. Pushes that are not acknowledged
// within the ack timeout are reported to the Adapter as lost.
type Gateway struct {
	adapter    *Adapter
	members    MemberLister
	sendBuffer int
	ackTimeout time.Duration
	upgrader   websocket.Upgrader
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]pendingAck

	wg sync.WaitGroup
}

var (
	_ services.Pusher           = (*Gateway)(nil)
	_ services.GroupBroadcaster = (*Gateway)(nil)
)

// NewGateway wires a transport to adapter. members may be nil when group
// fan-out is not needed.
func NewGateway(adapter *Adapter, members MemberLister, cfg GatewayConfig) *Gateway {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		adapter:    adapter,
		members:    members,
		sendBuffer: cfg.SendBuffer,
		ackTimeout: cfg.AckTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		now:     time.Now,
		pending: make(map[string]pendingAck),
	}
}

type subjecter interface {
	Subject(token string) (string, error)
}

// ServeHTTP verifies the login and upgrades the request. The user comes from
// the user_id query parameter or, failing that, from the token subject.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	userID := r.URL.Query().Get("user_id")
	if userID == "" && token != "" {
		if s, ok := g.adapter.Verifier.(subjecter); ok {
			userID, _ = s.Subject(token)
		}
	}
	if userID == "" {
		writeAuthError(w, AuthUserNotFound)
		return
	}
	if res := g.adapter.OnLoginVerify(r.Context(), userID, token); res != AuthOK {
		writeAuthError(w, res)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade")
		return
	}
	c := &wsConn{
		id:     uuid.NewString(),
		userID: userID,
		remote: clientIP(r),
		ws:     ws,
		send:   make(chan outbound, g.sendBuffer),
		done:   make(chan struct{}),
	}
	// the request context ends once the handler returns
	ctx := context.Background()
	if err := g.adapter.OnLoginSuccess(ctx, userID, c); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("register session")
		_ = c.Close()
		return
	}
	go g.writePump(c)
	go g.readPump(ctx, c)
}

func (g *Gateway) readPump(ctx context.Context, c *wsConn) {
	defer func() {
		g.adapter.OnDisconnect(ctx, c)
		_ = c.Close()
	}()
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("user_id", c.userID).Msg("websocket read")
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("user_id", c.userID).Msg("malformed frame dropped")
			continue
		}
		switch f.Type {
		case FrameLogout:
			g.adapter.OnLogout(ctx, c.userID, c, LogoutVoluntary)
			return
		case FrameAck:
			g.ackPending(f.Fingerprint, c.userID)
		}
		if reply := g.adapter.OnInboundControlFrame(ctx, c.userID, f); reply != nil {
			if data, err := json.Marshal(reply); err == nil {
				_ = c.enqueue(outbound{data: data})
			}
		}
	}
}

func (g *Gateway) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
		g.failQueued(c)
	}()
	for {
		select {
		case <-c.done:
			return
		case m := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, m.data); err != nil {
				g.pushFailed(m, err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// failQueued reports every push still buffered on a dead connection.
func (g *Gateway) failQueued(c *wsConn) {
	for {
		select {
		case m := <-c.send:
			g.pushFailed(m, errConnGone)
		default:
			return
		}
	}
}

var errConnGone = fmt.Errorf("%w: connection gone", services.ErrTransportUnavailable)

func (g *Gateway) pushFailed(m outbound, cause error) {
	if m.fingerprint == "" {
		return
	}
	g.dropPending(m.fingerprint)
	g.adapter.OnOutboundDeliveryFailed(context.Background(), DeliveryFailure{
		Fingerprint: m.fingerprint,
		Cause:       cause,
	})
}

// Push queues payload for userID's connection and starts its ack timer.
func (g *Gateway) Push(_ context.Context, userID, fingerprint string, payload []byte) error {
	conn, ok := g.adapter.Registry.Lookup(userID)
	if !ok {
		return fmt.Errorf("%w: no session for %s", services.ErrTransportUnavailable, userID)
	}
	c, ok := conn.(*wsConn)
	if !ok || !c.Active() {
		return fmt.Errorf("%w: connection inactive", services.ErrTransportUnavailable)
	}
	data, err := json.Marshal(Frame{Type: FrameMessage, Fingerprint: fingerprint, Payload: payload})
	if err != nil {
		return err
	}
	g.trackPending(fingerprint, userID)
	if err := c.enqueue(outbound{fingerprint: fingerprint, data: data}); err != nil {
		g.dropPending(fingerprint)
		return err
	}
	return nil
}

// Broadcast fans payload out to every online member of groupID except the
// sender. It returns immediately; slow or absent members are skipped.
func (g *Gateway) Broadcast(ctx context.Context, groupID, senderID string, payload []byte) {
	if g.members == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), broadcastTimeout)
		defer cancel()

		ids, err := g.members.MemberIDs(ctx, groupID)
		if err != nil {
			log.Error().Err(err).Str("group_id", groupID).Msg("list group members for fan-out")
			return
		}
		data, err := json.Marshal(Frame{Type: FrameMessage, Payload: payload})
		if err != nil {
			return
		}
		var sent int
		for _, id := range ids {
			if id == senderID {
				continue
			}
			conn, ok := g.adapter.Registry.Lookup(id)
			if !ok {
				continue
			}
			if c, ok := conn.(*wsConn); ok && c.enqueue(outbound{data: data}) == nil {
				sent++
			}
		}
		log.Debug().Str("group_id", groupID).Int("members", len(ids)).Int("pushed", sent).Msg("group fan-out")
	}()
}

// Wait blocks until in-flight group fan-outs finish.
func (g *Gateway) Wait() { g.wg.Wait() }

func (g *Gateway) trackPending(fingerprint, userID string) {
	g.mu.Lock()
	g.pending[fingerprint] = pendingAck{userID: userID, deadline: g.now().Add(g.ackTimeout)}
	g.mu.Unlock()
}

func (g *Gateway) dropPending(fingerprint string) {
	g.mu.Lock()
	delete(g.pending, fingerprint)
	g.mu.Unlock()
}

// ackPending stops the ack clock for fingerprint if userID is the user it
// was pushed to.
func (g *Gateway) ackPending(fingerprint, userID string) {
	g.mu.Lock()
	if p, ok := g.pending[fingerprint]; ok && p.userID == userID {
		delete(g.pending, fingerprint)
	}
	g.mu.Unlock()
}

// expireAcks reports every push whose ack deadline has passed as lost.
func (g *Gateway) expireAcks(ctx context.Context, now time.Time) []string {
	g.mu.Lock()
	var expired []string
	for fp, p := range g.pending {
		if now.After(p.deadline) {
			expired = append(expired, fp)
			delete(g.pending, fp)
		}
	}
	g.mu.Unlock()

	if len(expired) > 0 {
		g.adapter.OnDeliveryLoss(ctx, expired)
	}
	return expired
}

// minAckCheck bounds how often RunAckMonitor wakes up.
const minAckCheck = 50 * time.Millisecond

func ackCheckInterval(timeout time.Duration) time.Duration {
	return max(timeout/2, minAckCheck)
}

// RunAckMonitor checks ack deadlines until ctx is cancelled. Each tick also
// ages out delivery fingerprints nobody acknowledged.
func (g *Gateway) RunAckMonitor(ctx context.Context) {
	ticker := time.NewTicker(ackCheckInterval(g.ackTimeout))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.expireAcks(ctx, g.now())
			g.adapter.PruneDeliveries(services.DefaultFingerprintMaxAge)
		}
	}
}

func bearerToken(r *http.Request) string {
	tok := r.Header.Get("Authorization")
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	return strings.TrimPrefix(tok, "Bearer ")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeAuthError(w http.ResponseWriter, res AuthResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]int{"code": int(res)})
}
