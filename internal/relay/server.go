package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgesession/internal/auth"
	"github.com/danmuck/edgesession/internal/cipher"
	"github.com/danmuck/edgesession/internal/observability"
	"github.com/danmuck/edgesession/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ServerConfig configures the bundled development relay.
type ServerConfig struct {
	Addr             string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadDeadAfter drops a socket that sent nothing (pings included) for this long.
	ReadDeadAfter  time.Duration
	AllowedOrigins []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:             "127.0.0.1:7300",
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadDeadAfter:    45 * time.Second,
	}
}

func (c ServerConfig) WithDefaults() ServerConfig {
	d := DefaultServerConfig()
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = d.Addr
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadDeadAfter <= 0 {
		c.ReadDeadAfter = d.ReadDeadAfter
	}
	return c
}

// scopedValidator is implemented by validators that bind a token to a session.
type scopedValidator interface {
	Authorize(token, sessionID string) (*auth.Claims, error)
}

type storedSession struct {
	rec      SessionRecord
	metadata session.VersionedString
	messages []storedMessage
	msgSeq   int64
}

// storedMessage remembers which kind of client wrote a message. HTTP posts
// carry an empty writer.
type storedMessage struct {
	msg    session.UpdateNewMessage
	writer string
}

type subscriber struct {
	id        string
	sessionID string
	kind      string
	conn      *websocket.Conn
	mu        sync.Mutex
	timeout   time.Duration
}

func (s *subscriber) write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Server is an in-memory relay: sessions keyed by id and tag, encrypted
// message storage, and per-session update fan-out over websockets. It never
// sees plaintext.
type Server struct {
	cfg       ServerConfig
	validator auth.Validator
	router    *gin.Engine
	upgrader  websocket.Upgrader

	mu        sync.Mutex
	sessions  map[string]*storedSession
	byTag     map[string]string
	subs      map[string]map[string]*subscriber
	updateSeq int64
}

// NewServer builds a relay. A nil validator accepts every token.
func NewServer(cfg ServerConfig, validator auth.Validator) *Server {
	cfg = cfg.WithDefaults()
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.HTTP("relay"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.AllowedOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:       cfg,
		validator: validator,
		router:    r,
		upgrader:  makeUpgrader(cfg.AllowedOrigins),
		sessions:  make(map[string]*storedSession),
		byTag:     make(map[string]string),
		subs:      make(map[string]map[string]*subscriber),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on cfg.Addr until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("relay.Serve addr=%s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeSubscribers()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "role": "relay"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/v1/updates", s.handleUpdates)

	v1 := s.router.Group("/v1/sessions")
	v1.POST("", s.requireToken, s.handleCreateSession)
	v1.GET("/:id", s.requireToken, s.handleGetSession)
	v1.GET("/:id/messages", s.requireToken, s.handleListMessages)
	v1.POST("/:id/messages", s.requireToken, s.handlePostMessage)
	v1.POST("/:id/metadata", s.requireToken, s.handlePostMetadata)
}

func (s *Server) requireToken(c *gin.Context) {
	if s.validator == nil {
		c.Next()
		return
	}
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok || s.authorize(token, c.Param("id")) != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) authorize(token, sessionID string) error {
	if s.validator == nil {
		return nil
	}
	if scoped, ok := s.validator.(scopedValidator); ok && sessionID != "" {
		_, err := scoped.Authorize(token, sessionID)
		return err
	}
	return s.validator.Validate(token)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	rec, err := sessionDTO{ID: "pending", Tag: req.Tag, Key: req.Key, Variant: req.Variant}.record()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if rec.Tag == "" {
		c.JSON(http.StatusBadRequest, errorBody{Error: "tag is required"})
		return
	}

	rec, created := s.CreateSession(rec.Tag, rec.Material)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, toDTO(rec))
}

// CreateSession returns the session registered under tag, creating it with m
// when the tag is new.
func (s *Server) CreateSession(tag string, m cipher.Material) (SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byTag[tag]; ok {
		return s.sessions[id].rec, false
	}
	rec := SessionRecord{ID: uuid.NewString(), Tag: tag, Material: m.Clone()}
	s.sessions[rec.ID] = &storedSession{rec: rec}
	s.byTag[tag] = rec.ID
	log.Info().Msgf("relay.CreateSession id=%s tag=%s variant=%s", rec.ID, tag, m.Variant)
	return rec, true
}

// Session returns a copy of the session record for id.
func (s *Server) Session(id string) (SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, false
	}
	return st.rec, true
}

func (s *Server) handleGetSession(c *gin.Context) {
	rec, ok := s.Session(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{Error: "session not found"})
		return
	}
	c.JSON(http.StatusOK, toDTO(rec))
}

func (s *Server) handlePostMessage(c *gin.Context) {
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := req.Content.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	msg, err := s.storeMessage(c.Param("id"), req.LocalID, req.Content, "", "")
	if errors.Is(err, ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, errorBody{Error: "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, PostMessageResponse{ID: msg.ID, Seq: msg.Seq})
}

func (s *Server) handlePostMetadata(c *gin.Context) {
	var req PostMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Metadata) == "" {
		c.JSON(http.StatusBadRequest, errorBody{Error: "metadata is required"})
		return
	}
	id := c.Param("id")
	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, errorBody{Error: "session not found"})
		return
	}
	st.metadata = session.VersionedString{Value: req.Metadata, Version: st.metadata.Version + 1}
	md := st.metadata
	s.mu.Unlock()

	body, err := session.MarshalBody(session.UpdateSessionBody{
		T:        string(session.KindSessionMetadata),
		ID:       id,
		Metadata: &md,
	})
	if err == nil {
		err = s.Publish(id, body, "")
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, PostMetadataResponse{Version: md.Version})
}

// storeMessage appends an encrypted message and fans out new-message to every
// subscriber except skipSub.
func (s *Server) storeMessage(sessionID, localID string, content session.EncryptedEnvelope, skipSub, writer string) (session.UpdateNewMessage, error) {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return session.UpdateNewMessage{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	st.msgSeq++
	msg := session.UpdateNewMessage{
		ID:        uuid.NewString(),
		Seq:       st.msgSeq,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}
	if localID != "" {
		lid := localID
		msg.LocalID = &lid
	}
	st.messages = append(st.messages, storedMessage{msg: msg, writer: writer})
	s.mu.Unlock()

	body, err := session.MarshalBody(session.NewMessageBody{
		T:       string(session.KindNewMessage),
		SID:     sessionID,
		Message: msg,
	})
	if err != nil {
		return session.UpdateNewMessage{}, err
	}
	return msg, s.Publish(sessionID, body, skipSub)
}

// Messages returns the stored messages of a session in order.
func (s *Server) Messages(sessionID string) []session.UpdateNewMessage {
	out, _ := s.messagesAfter(sessionID, 0, "")
	return out
}

// messagesAfter returns messages with Seq > after, skipping those written by
// a client of kind exclude.
func (s *Server) messagesAfter(sessionID string, after int64, exclude string) ([]session.UpdateNewMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	out := make([]session.UpdateNewMessage, 0, len(st.messages))
	for _, m := range st.messages {
		if m.msg.Seq <= after {
			continue
		}
		if exclude != "" && m.writer == exclude {
			continue
		}
		out = append(out, m.msg)
	}
	return out, true
}

func (s *Server) handleListMessages(c *gin.Context) {
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, errorBody{Error: "after must be a non-negative integer"})
		return
	}
	msgs, ok := s.messagesAfter(c.Param("id"), after, c.Query("exclude"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{Error: "session not found"})
		return
	}
	c.JSON(http.StatusOK, MessagesResponse{Messages: msgs})
}

// Publish wraps body in an update event and writes it to the session's
// subscribers. Bodies are not inspected, so any "t" can be sent.
func (s *Server) Publish(sessionID string, body json.RawMessage, skipSub string) error {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.updateSeq++
	event := session.UpdateEvent{
		ID:        uuid.NewString(),
		Seq:       s.updateSeq,
		Body:      body,
		CreatedAt: time.Now().UnixMilli(),
	}
	targets := make([]*subscriber, 0, len(s.subs[sessionID]))
	for id, sub := range s.subs[sessionID] {
		if id != skipSub {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	payload, err := session.EncodeUpdate(event)
	if err != nil {
		return err
	}
	for _, sub := range targets {
		if err := sub.write(payload); err != nil {
			log.Warn().Msgf("relay.Publish write failed sid=%s sub=%s err=%v", sessionID, sub.id, err)
			_ = sub.conn.Close()
		}
	}
	return nil
}

// Subscribers reports how many sockets are bound to sessionID.
func (s *Server) Subscribers(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[sessionID])
}

func (s *Server) handleUpdates(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Msgf("relay.handleUpdates upgrade failed err=%v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(session.MaxControlBytes)

	sub, err := s.handshake(conn)
	if err != nil {
		log.Warn().Msgf("relay.handleUpdates handshake failed remote=%s err=%v", c.ClientIP(), err)
		return
	}
	defer s.unsubscribe(sub)

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadDeadAfter))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadDeadAfter))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Msgf("relay.handleUpdates read closed sid=%s sub=%s err=%v", sub.sessionID, sub.id, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadDeadAfter))

		frame, err := session.DecodeClientFrame(data)
		if err != nil || frame.Type != session.FrameTypeMessage {
			log.Warn().Msgf("relay.handleUpdates bad frame sid=%s err=%v", sub.sessionID, err)
			continue
		}
		s.handleOutbound(sub, *frame.Message)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (*subscriber, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	frame, err := session.DecodeClientFrame(data)
	if err != nil {
		return nil, err
	}
	if frame.Type != session.FrameTypeHello {
		return nil, fmt.Errorf("%w: first frame %q", session.ErrUnexpectedFrame, frame.Type)
	}
	hello := *frame.Hello

	reject := func(code uint32, reason string) error {
		ack, _ := session.EncodeHelloAck(session.HelloAck{
			Status:      session.AckStatusRejected,
			Code:        code,
			Message:     reason,
			SessionID:   hello.SessionID,
			TimestampMS: uint64(time.Now().UnixMilli()),
		})
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		_ = conn.WriteMessage(websocket.TextMessage, ack)
		return errors.New(reason)
	}

	if err := s.authorize(hello.Token, hello.SessionID); err != nil {
		return nil, reject(http.StatusUnauthorized, "unauthorized")
	}

	sub := &subscriber{
		id:        uuid.NewString(),
		sessionID: hello.SessionID,
		kind:      hello.ClientKind,
		conn:      conn,
		timeout:   s.cfg.WriteTimeout,
	}
	s.mu.Lock()
	if _, ok := s.sessions[hello.SessionID]; !ok {
		s.mu.Unlock()
		return nil, reject(http.StatusNotFound, "session not found")
	}
	if s.subs[hello.SessionID] == nil {
		s.subs[hello.SessionID] = make(map[string]*subscriber)
	}
	s.subs[hello.SessionID][sub.id] = sub
	s.mu.Unlock()

	ack, err := session.EncodeHelloAck(session.HelloAck{
		Status:      session.AckStatusAccepted,
		Message:     "ok",
		SessionID:   hello.SessionID,
		TimestampMS: uint64(time.Now().UnixMilli()),
	})
	if err == nil {
		err = sub.write(ack)
	}
	if err != nil {
		s.unsubscribe(sub)
		return nil, err
	}
	log.Info().Msgf("relay.handshake accepted sid=%s sub=%s kind=%s", hello.SessionID, sub.id, hello.ClientKind)
	return sub, nil
}

func (s *Server) handleOutbound(sub *subscriber, out session.OutboundMessage) {
	if out.SessionID != sub.sessionID {
		log.Warn().Msgf("relay.handleOutbound sid mismatch socket=%s frame=%s", sub.sessionID, out.SessionID)
		return
	}
	msg, err := s.storeMessage(out.SessionID, out.LocalID, out.Content, sub.id, sub.kind)
	if err != nil {
		log.Warn().Msgf("relay.handleOutbound store failed sid=%s err=%v", out.SessionID, err)
		return
	}
	body, err := session.MarshalBody(session.MessageAckBody{
		T:         string(session.KindMessageAck),
		SID:       out.SessionID,
		LocalID:   out.LocalID,
		MessageID: msg.ID,
		Seq:       msg.Seq,
	})
	if err != nil {
		return
	}
	s.mu.Lock()
	s.updateSeq++
	event := session.UpdateEvent{ID: uuid.NewString(), Seq: s.updateSeq, Body: body, CreatedAt: time.Now().UnixMilli()}
	s.mu.Unlock()
	payload, err := session.EncodeUpdate(event)
	if err == nil {
		err = sub.write(payload)
	}
	if err != nil {
		log.Warn().Msgf("relay.handleOutbound ack failed sid=%s err=%v", out.SessionID, err)
	}
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs, ok := s.subs[sub.sessionID]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(s.subs, sub.sessionID)
		}
	}
}

func (s *Server) closeSubscribers() {
	s.mu.Lock()
	all := make([]*subscriber, 0)
	for _, subs := range s.subs {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range all {
		_ = sub.conn.Close()
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
