package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgesession/internal/cipher"
	"github.com/danmuck/edgesession/internal/observability"
	"github.com/danmuck/edgesession/internal/protocol/schema"
	"github.com/danmuck/edgesession/internal/protocol/session"
	"github.com/danmuck/edgesession/internal/registry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// State is the connection state of a channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

const seenMessageWindow = 1024

// Credentials authenticate one connect attempt. SessionID, when set, is the
// caller's freshly resolved session id and must match the channel's.
type Credentials struct {
	SessionID string
	Token     string
	MachineID string
}

// MetadataUpdate is a decrypted self-metadata event.
type MetadataUpdate struct {
	SessionID  string
	EventID    string
	Version    int64
	Metadata   *schema.SessionMetadata
	AgentState *session.VersionedString
}

// Backlog lists messages the relay stored for a session, oldest first.
// *relay.Client satisfies it.
type Backlog interface {
	MessagesAfter(ctx context.Context, sessionID string, after int64, exclude string) ([]session.UpdateNewMessage, error)
}

// Options configures a channel.
type Options struct {
	// URL is the relay websocket endpoint, e.g. ws://host/v1/updates.
	URL    string
	Config session.Config
	Dialer Dialer
	Cipher cipher.Adapter
	// Backlog, when set, is read after every connect for messages stored
	// while no socket was attached.
	Backlog Backlog
	// ResumeAfter is the relay seq already consumed by an earlier process.
	ResumeAfter int64
}

// Channel owns the relay socket for exactly one session. It classifies
// inbound events, decrypts and validates user messages into its queue, and
// routes everything else to observers.
type Channel struct {
	sess    registry.Session
	url     string
	cfg     session.Config
	dialer  Dialer
	cipher  cipher.Adapter
	backlog Backlog
	queue   *Queue
	outbox  *session.Outbox

	mu    sync.Mutex
	state State
	conn  Conn
	done  chan struct{}

	writeMu sync.Mutex

	obsMu      sync.RWMutex
	onMetadata func(MetadataUpdate)
	onUnknown  func(session.UpdateEvent)
	onError    func(error)

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	lastSeq   int64
}

func New(sess registry.Session, opts Options) (*Channel, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("channel: relay url is required")
	}
	cfg := opts.Config.WithDefaults()
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{Config: cfg}
	}
	if opts.Cipher == nil {
		opts.Cipher = cipher.Box{}
	}
	done := make(chan struct{})
	close(done)
	sess.Material = sess.Material.Clone()
	return &Channel{
		sess:    sess,
		url:     opts.URL,
		cfg:     cfg,
		dialer:  opts.Dialer,
		cipher:  opts.Cipher,
		backlog: opts.Backlog,
		queue:   NewQueue(cfg.QueueWarnDepth),
		outbox:  session.NewOutbox(),
		state:   StateDisconnected,
		done:    done,
		seen:    make(map[string]struct{}),
		lastSeq: opts.ResumeAfter,
	}, nil
}

func (c *Channel) SessionID() string {
	return c.sess.ID
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the current connection ends.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Channel) OnMetadata(fn func(MetadataUpdate)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.onMetadata = fn
}

func (c *Channel) OnUnknown(fn func(session.UpdateEvent)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.onUnknown = fn
}

// OnError receives *ConnectionError and *MalformedMessageError values.
func (c *Channel) OnError(fn func(error)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.onError = fn
}

// Connect dials the relay and binds the socket to this session. It does not
// retry; failures are *ConnectionError.
func (c *Channel) Connect(ctx context.Context, creds Credentials) error {
	if creds.SessionID != "" && creds.SessionID != c.sess.ID {
		return &ConnectionError{
			SessionID: c.sess.ID,
			Op:        "connect",
			Err:       fmt.Errorf("%w: resolved=%s", ErrSessionMismatch, creds.SessionID),
		}
	}
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrChannelClosed
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.handshake(ctx, creds)
	if err != nil {
		observability.RecordConnect(false)
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrChannelClosed
	}
	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.state = StateConnected
	c.mu.Unlock()

	observability.RecordConnect(true)
	log.Info().Msgf("channel.Connect connected session=%s tag=%s", c.sess.ID, c.sess.Tag)
	c.catchUp(ctx)
	go c.readLoop(conn, done)
	go c.heartbeat(conn, done)
	return nil
}

// catchUp replays messages stored after the last seq this channel saw. Live
// frames read afterwards may overlap; the seen window drops the repeats.
func (c *Channel) catchUp(ctx context.Context) {
	if c.backlog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	after := c.LastSeq()
	msgs, err := c.backlog.MessagesAfter(ctx, c.sess.ID, after, session.ClientKindSession)
	if err != nil {
		log.Warn().Msgf("channel.catchUp session=%s after=%d err=%v", c.sess.ID, after, err)
		c.emitError(&ConnectionError{SessionID: c.sess.ID, Op: "backlog", Err: err})
		return
	}
	for _, m := range msgs {
		body, err := session.MarshalBody(session.NewMessageBody{
			T:       string(session.KindNewMessage),
			SID:     c.sess.ID,
			Message: m,
		})
		if err != nil {
			c.malformedSeq(StageDecode, session.UpdateEvent{}, m.ID, m.Seq, err)
			continue
		}
		c.HandleEvent(session.UpdateEvent{ID: m.ID, Seq: m.Seq, Body: body, CreatedAt: m.CreatedAt})
	}
	if len(msgs) > 0 {
		log.Info().Msgf("channel.catchUp session=%s after=%d replayed=%d", c.sess.ID, after, len(msgs))
	}
}

func (c *Channel) handshake(ctx context.Context, creds Credentials) (Conn, error) {
	fail := func(op string, err error) error {
		return &ConnectionError{SessionID: c.sess.ID, Op: op, Err: err}
	}
	if err := c.cfg.ValidateClientTransport(); err != nil {
		return nil, fail("config", err)
	}
	hello, err := session.EncodeHello(session.Hello{
		SessionID:  c.sess.ID,
		Token:      creds.Token,
		ClientKind: session.ClientKindSession,
		MachineID:  creds.MachineID,
	})
	if err != nil {
		return nil, fail("hello", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	header := http.Header{}
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}
	conn, err := c.dialer.Dial(dialCtx, c.url, header)
	if err != nil {
		return nil, fail("dial", err)
	}
	conn.SetReadLimit(session.MaxControlBytes)

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		_ = conn.Close()
		return nil, fail("hello", err)
	}
	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fail("handshake", err)
	}
	ack, err := session.DecodeHelloAck(data)
	if err != nil {
		_ = conn.Close()
		return nil, fail("handshake", err)
	}
	if ack.Status != session.AckStatusAccepted {
		_ = conn.Close()
		return nil, fail("handshake", fmt.Errorf("%w: code=%d message=%q", ErrHelloRejected, ack.Code, ack.Message))
	}
	if ack.SessionID != c.sess.ID {
		_ = conn.Close()
		return nil, fail("handshake", fmt.Errorf("%w: relay=%s", ErrSessionMismatch, ack.SessionID))
	}

	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.SessionDeadAfter))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.SessionDeadAfter))
	})
	return conn, nil
}

func (c *Channel) readLoop(conn Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.lost(conn, "read", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.SessionDeadAfter))

		var frame session.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.malformed(StageDecode, session.UpdateEvent{}, "", err)
			continue
		}
		if frame.Type != session.FrameTypeUpdate || frame.Update == nil {
			c.malformed(StageDecode, session.UpdateEvent{}, "", fmt.Errorf("%w: %q", session.ErrUnexpectedFrame, frame.Type))
			continue
		}
		select {
		case <-done:
			return
		default:
		}
		c.HandleEvent(*frame.Update)
	}
}

func (c *Channel) heartbeat(conn Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.expireOutbound(time.Now())
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			if err != nil {
				c.lost(conn, "heartbeat", err)
				return
			}
		}
	}
}

// lost tears down conn after a transport failure. Only the first report per
// connection is surfaced.
func (c *Channel) lost(conn Conn, op string, err error) {
	if !c.teardown(conn) {
		return
	}
	log.Warn().Msgf("channel.lost session=%s op=%s err=%v", c.sess.ID, op, err)
	c.emitError(&ConnectionError{SessionID: c.sess.ID, Op: op, Err: err})
}

// teardown detaches conn if it is still current and reports whether the
// channel moved to disconnected.
func (c *Channel) teardown(conn Conn) bool {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	closed := c.state == StateClosed
	if !closed {
		c.state = StateDisconnected
	}
	close(c.done)
	c.mu.Unlock()
	_ = conn.Close()
	return !closed
}

// HandleEvent classifies one inbound update. It never blocks on the consumer
// and never panics on bad input.
func (c *Channel) HandleEvent(ev session.UpdateEvent) {
	kind := session.Classify(ev.Body)
	observability.RecordChannelEvent(string(kind))
	switch kind {
	case session.KindSessionMetadata:
		c.handleMetadata(ev)
	case session.KindNewMessage:
		c.handleMessage(ev)
	case session.KindMessageAck:
		c.handleAck(ev)
	default:
		c.emitUnknown(ev)
	}
}

func (c *Channel) handleMetadata(ev session.UpdateEvent) {
	body, err := session.DecodeUpdateSession(ev.Body)
	if err != nil {
		c.malformed(StageMetadata, ev, "", err)
		return
	}
	if body.ID != c.sess.ID {
		c.malformed(StageRoute, ev, "", fmt.Errorf("%w: id=%s", ErrMisrouted, body.ID))
		return
	}
	update := MetadataUpdate{SessionID: body.ID, EventID: ev.ID, AgentState: body.AgentState}
	if body.Metadata != nil {
		plain, err := cipher.OpenBase64(c.cipher, c.sess.Material, body.Metadata.Value)
		if err != nil {
			c.malformed(StageDecrypt, ev, "", err)
			return
		}
		md, err := schema.DecodeSessionMetadata(plain)
		if err != nil {
			c.malformed(StageSchema, ev, "", err)
			return
		}
		update.Metadata = &md
		update.Version = body.Metadata.Version
	}

	c.obsMu.RLock()
	fn := c.onMetadata
	c.obsMu.RUnlock()
	if fn == nil {
		log.Debug().Msgf("channel.HandleEvent metadata session=%s version=%d (no observer)", c.sess.ID, update.Version)
		return
	}
	fn(update)
}

func (c *Channel) handleMessage(ev session.UpdateEvent) {
	body, err := session.DecodeNewMessage(ev.Body)
	if err != nil {
		c.malformed(StageDecode, ev, "", err)
		return
	}
	msgID := body.Message.ID
	if body.SID != c.sess.ID {
		c.malformed(StageRoute, ev, msgID, fmt.Errorf("%w: sid=%s", ErrMisrouted, body.SID))
		return
	}
	c.advance(body.Message.Seq)
	if msgID != "" && c.wasSeen(msgID) {
		observability.RecordMalformed("duplicate")
		log.Debug().Msgf("channel.HandleEvent duplicate session=%s message=%s", c.sess.ID, msgID)
		return
	}

	plain, err := cipher.OpenBase64(c.cipher, c.sess.Material, body.Message.Content.C)
	if err != nil {
		c.malformedSeq(StageDecrypt, ev, msgID, body.Message.Seq, err)
		return
	}
	msg, err := schema.DecodeUserMessage(plain)
	if err != nil {
		c.malformedSeq(StageSchema, ev, msgID, body.Message.Seq, err)
		return
	}
	err = c.queue.Enqueue(QueuedMessage{
		MessageID:  msgID,
		RelaySeq:   body.Message.Seq,
		Message:    msg,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		c.malformedSeq(StageEnqueue, ev, msgID, body.Message.Seq, err)
		return
	}
	if msgID != "" {
		c.markSeen(msgID)
	}
}

func (c *Channel) handleAck(ev session.UpdateEvent) {
	body, err := session.DecodeMessageAck(ev.Body)
	if err != nil {
		c.malformed(StageDecode, ev, "", err)
		return
	}
	if body.SID != "" && body.SID != c.sess.ID {
		c.malformed(StageRoute, ev, body.MessageID, fmt.Errorf("%w: sid=%s", ErrMisrouted, body.SID))
		return
	}
	if _, ok := c.outbox.Ack(body.LocalID); !ok {
		log.Debug().Msgf("channel.HandleEvent ack for unknown local_id=%s session=%s", body.LocalID, c.sess.ID)
		return
	}
	log.Debug().Msgf("channel.HandleEvent acked local_id=%s message=%s seq=%d", body.LocalID, body.MessageID, body.Seq)
}

func (c *Channel) emitUnknown(ev session.UpdateEvent) {
	c.obsMu.RLock()
	fn := c.onUnknown
	c.obsMu.RUnlock()
	if fn == nil {
		log.Info().Msgf("channel.HandleEvent unhandled event session=%s event=%s body=%s", c.sess.ID, ev.ID, truncate(ev.Body, 256))
		return
	}
	fn(ev)
}

func (c *Channel) malformed(stage string, ev session.UpdateEvent, msgID string, err error) {
	c.malformedSeq(stage, ev, msgID, 0, err)
}

func (c *Channel) malformedSeq(stage string, ev session.UpdateEvent, msgID string, seq int64, err error) {
	observability.RecordMalformed(stage)
	c.emitError(&MalformedMessageError{
		SessionID: c.sess.ID,
		EventID:   ev.ID,
		MessageID: msgID,
		Seq:       seq,
		Stage:     stage,
		Err:       err,
	})
}

func (c *Channel) emitError(err error) {
	c.obsMu.RLock()
	fn := c.onError
	c.obsMu.RUnlock()
	if fn == nil {
		log.Error().Msgf("channel error (no observer): %v", err)
		return
	}
	fn(err)
}

func (c *Channel) wasSeen(id string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	_, ok := c.seen[id]
	return ok
}

func (c *Channel) markSeen(id string) {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if _, ok := c.seen[id]; ok {
		return
	}
	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
	if len(c.seenOrder) > seenMessageWindow {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
}

func (c *Channel) advance(seq int64) {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if seq > c.lastSeq {
		c.lastSeq = seq
	}
}

// LastSeq is the highest relay seq this channel has read for its session.
func (c *Channel) LastSeq() int64 {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return c.lastSeq
}

// NextMessage returns the next queued user message, waiting if necessary.
func (c *Channel) NextMessage(ctx context.Context) (QueuedMessage, error) {
	return c.queue.Next(ctx)
}

// QueueSize is diagnostic only.
func (c *Channel) QueueSize() int {
	return c.queue.Size()
}

// OnUserMessage drives NextMessage in a goroutine and calls fn once per
// message, in order. The returned channel closes when the loop stops.
func (c *Channel) OnUserMessage(ctx context.Context, fn func(QueuedMessage)) <-chan struct{} {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			msg, err := c.queue.Next(ctx)
			if err != nil {
				if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
					return
				}
				c.emitError(err)
				return
			}
			fn(msg)
		}
	}()
	return stopped
}

// SendMessage seals msg and writes it to the relay. The returned localId
// stays in the outbox until the relay's message-ack arrives.
func (c *Channel) SendMessage(ctx context.Context, msg schema.UserMessage) (string, error) {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return "", ErrNotConnected
	}

	sealed, err := cipher.SealJSON(c.cipher, c.sess.Material, msg)
	if err != nil {
		return "", err
	}
	localID := uuid.NewString()
	frame, err := session.EncodeOutbound(session.OutboundMessage{
		SessionID: c.sess.ID,
		LocalID:   localID,
		Content:   session.EncryptedEnvelope{T: session.EnvelopeEncrypted, C: sealed},
	})
	if err != nil {
		return "", err
	}

	now := time.Now()
	c.outbox.Upsert(session.PendingMessage{
		LocalID:       localID,
		SessionID:     c.sess.ID,
		QueuedAt:      now,
		AckDeadlineAt: now.Add(c.cfg.AckTimeout),
	})

	deadline := now.Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.outbox.MarkAttempt(localID, time.Now(), err.Error())
		c.lost(conn, "write", err)
		return localID, &ConnectionError{SessionID: c.sess.ID, Op: "write", Err: err}
	}
	c.outbox.MarkAttempt(localID, time.Now(), "")
	return localID, nil
}

// PendingOutbound lists sent messages still waiting for a relay ack.
func (c *Channel) PendingOutbound() []session.PendingMessage {
	return c.outbox.List()
}

// expireOutbound drops pending messages whose ack deadline has passed and
// reports each as an *AckTimeoutError. They are not resent; the relay may
// have stored them before the ack was lost.
func (c *Channel) expireOutbound(now time.Time) {
	for _, p := range c.outbox.Expired(now) {
		if _, ok := c.outbox.Ack(p.LocalID); !ok {
			continue
		}
		log.Warn().Msgf("channel.expireOutbound session=%s local_id=%s attempts=%d", c.sess.ID, p.LocalID, p.Attempts)
		c.emitError(&AckTimeoutError{SessionID: c.sess.ID, LocalID: p.LocalID, Deadline: p.AckDeadlineAt})
	}
}

// Disconnect drops the current socket but keeps the queue, so a caller can
// re-resolve and Connect again.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "reconnect"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if c.teardown(conn) {
		log.Info().Msgf("channel.Disconnect session=%s", c.sess.ID)
	}
}

// Close tears the channel down for good and wakes any waiting consumer.
// Messages already queued can still be drained.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	if conn != nil {
		close(c.done)
	}
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.queue.Close()
	log.Info().Msgf("channel.Close session=%s", c.sess.ID)
	return nil
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
