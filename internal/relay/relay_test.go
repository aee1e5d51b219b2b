package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgesession/internal/auth"
	"github.com/danmuck/edgesession/internal/cipher"
	"github.com/danmuck/edgesession/internal/protocol/session"
	"github.com/danmuck/edgesession/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T, validator auth.Validator) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := NewServer(ServerConfig{}, validator)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func newMaterial(t *testing.T) cipher.Material {
	t.Helper()
	m, err := cipher.NewMaterial(cipher.VariantDataKey)
	require.NoError(t, err)
	return m
}

func TestClientCreateAndFetchSession(t *testing.T) {
	testlog.Start(t)
	_, ts := newTestRelay(t, nil)
	client, err := NewClient(ts.URL, "", nil)
	require.NoError(t, err)
	ctx := context.Background()

	m := newMaterial(t)
	rec, err := client.CreateSession(ctx, "conv-1", m)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, "conv-1", rec.Tag)
	require.True(t, rec.Material.Equal(m))

	again, err := client.CreateSession(ctx, "conv-1", newMaterial(t))
	require.NoError(t, err)
	require.Equal(t, rec.ID, again.ID, "same tag must map to the relay's existing session")
	require.True(t, again.Material.Equal(m), "existing material wins")

	fetched, err := client.FetchSession(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.ID, fetched.ID)

	_, err = client.FetchSession(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestClientRequiresBearerToken(t *testing.T) {
	testlog.Start(t)
	_, ts := newTestRelay(t, auth.StaticToken{Token: "secret"})
	ctx := context.Background()

	anon, err := NewClient(ts.URL, "", nil)
	require.NoError(t, err)
	_, err = anon.CreateSession(ctx, "t", newMaterial(t))
	require.ErrorIs(t, err, ErrUnauthorized)

	authed, err := NewClient(ts.URL, "secret", nil)
	require.NoError(t, err)
	_, err = authed.CreateSession(ctx, "t", newMaterial(t))
	require.NoError(t, err)
}

func TestClientUpdatesURL(t *testing.T) {
	testlog.Start(t)
	c, err := NewClient("https://relay.example.com/base/", "", nil)
	require.NoError(t, err)
	require.Equal(t, "wss://relay.example.com/base/v1/updates", c.UpdatesURL())

	_, err = NewClient("ftp://relay", "", nil)
	require.Error(t, err)
}

func dialUpdates(t *testing.T, ts *httptest.Server, hello session.Hello) (*websocket.Conn, session.HelloAck) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/updates"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	payload, err := session.EncodeHello(hello)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ack, err := session.DecodeHelloAck(data)
	require.NoError(t, err)
	return conn, ack
}

func readUpdate(t *testing.T, conn *websocket.Conn) session.UpdateEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame session.ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, session.FrameTypeUpdate, frame.Type)
	require.NotNil(t, frame.Update)
	return *frame.Update
}

func TestUpdatesStreamFansOutMessagesAndAcksOutbound(t *testing.T) {
	testlog.Start(t)
	srv, ts := newTestRelay(t, nil)
	rec, _ := srv.CreateSession("conv-2", newMaterial(t))

	agent, ack := dialUpdates(t, ts, session.Hello{SessionID: rec.ID, Token: "x", ClientKind: session.ClientKindSession})
	require.Equal(t, session.AckStatusAccepted, ack.Status)
	require.Equal(t, rec.ID, ack.SessionID)
	require.Eventually(t, func() bool { return srv.Subscribers(rec.ID) == 1 }, time.Second, 5*time.Millisecond)

	client, err := NewClient(ts.URL, "", nil)
	require.NoError(t, err)
	posted, err := client.PostMessage(context.Background(), rec.ID, session.EncryptedEnvelope{T: "encrypted", C: "AAAA"}, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), posted.Seq)

	ev := readUpdate(t, agent)
	require.Equal(t, session.KindNewMessage, session.Classify(ev.Body))
	body, err := session.DecodeNewMessage(ev.Body)
	require.NoError(t, err)
	require.Equal(t, posted.ID, body.Message.ID)

	out, err := session.EncodeOutbound(session.OutboundMessage{
		SessionID: rec.ID,
		LocalID:   "local-1",
		Content:   session.EncryptedEnvelope{T: "encrypted", C: "BBBB"},
	})
	require.NoError(t, err)
	require.NoError(t, agent.WriteMessage(websocket.TextMessage, out))

	ackEv := readUpdate(t, agent)
	require.Equal(t, session.KindMessageAck, session.Classify(ackEv.Body))
	msgAck, err := session.DecodeMessageAck(ackEv.Body)
	require.NoError(t, err)
	require.Equal(t, "local-1", msgAck.LocalID)
	require.Equal(t, int64(2), msgAck.Seq)
	require.Len(t, srv.Messages(rec.ID), 2)
}

func TestClientMessagesAfterFiltersBySeqAndWriter(t *testing.T) {
	testlog.Start(t)
	srv, ts := newTestRelay(t, nil)
	rec, _ := srv.CreateSession("conv-backlog", newMaterial(t))
	client, err := NewClient(ts.URL, "", nil)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := client.PostMessage(ctx, rec.ID, session.EncryptedEnvelope{T: "encrypted", C: "AAAA"}, "")
	require.NoError(t, err)
	agent, _ := dialUpdates(t, ts, session.Hello{SessionID: rec.ID, Token: "x", ClientKind: session.ClientKindSession})
	out, err := session.EncodeOutbound(session.OutboundMessage{
		SessionID: rec.ID,
		LocalID:   "local-1",
		Content:   session.EncryptedEnvelope{T: "encrypted", C: "BBBB"},
	})
	require.NoError(t, err)
	require.NoError(t, agent.WriteMessage(websocket.TextMessage, out))
	readUpdate(t, agent)
	third, err := client.PostMessage(ctx, rec.ID, session.EncryptedEnvelope{T: "encrypted", C: "CCCC"}, "")
	require.NoError(t, err)

	all, err := client.MessagesAfter(ctx, rec.ID, 0, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []int64{1, 2, 3}, []int64{all[0].Seq, all[1].Seq, all[2].Seq})

	inbound, err := client.MessagesAfter(ctx, rec.ID, 0, session.ClientKindSession)
	require.NoError(t, err)
	require.Len(t, inbound, 2)
	require.Equal(t, first.ID, inbound[0].ID)
	require.Equal(t, third.ID, inbound[1].ID)

	tail, err := client.MessagesAfter(ctx, rec.ID, 2, session.ClientKindSession)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, "CCCC", tail[0].Content.C)

	_, err = client.MessagesAfter(ctx, "missing", 0, "")
	require.ErrorIs(t, err, ErrSessionNotFound)

	resp, err := http.Get(ts.URL + "/v1/sessions/" + rec.ID + "/messages?after=-1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdatesHandshakeRejectsUnknownSessionAndBadToken(t *testing.T) {
	testlog.Start(t)
	tokens, err := auth.NewTokens(auth.TokenConfig{Secret: []byte("0123456789abcdef0123"), TTL: time.Hour})
	require.NoError(t, err)
	srv, ts := newTestRelay(t, tokens)
	rec, _ := srv.CreateSession("conv-3", newMaterial(t))

	_, ack := dialUpdates(t, ts, session.Hello{SessionID: "nope", Token: mustIssue(t, tokens, ""), ClientKind: session.ClientKindSession})
	require.Equal(t, session.AckStatusRejected, ack.Status)
	require.Equal(t, uint32(404), ack.Code)

	_, ack = dialUpdates(t, ts, session.Hello{SessionID: rec.ID, Token: mustIssue(t, tokens, "other"), ClientKind: session.ClientKindSession})
	require.Equal(t, session.AckStatusRejected, ack.Status)
	require.Equal(t, uint32(401), ack.Code)

	_, ack = dialUpdates(t, ts, session.Hello{SessionID: rec.ID, Token: mustIssue(t, tokens, rec.ID), ClientKind: session.ClientKindSession})
	require.Equal(t, session.AckStatusAccepted, ack.Status)
}

func TestPublishUnknownSession(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestRelay(t, nil)
	err := srv.Publish("missing", []byte(`{"t":"x"}`), "")
	require.True(t, errors.Is(err, ErrSessionNotFound))
}

func mustIssue(t *testing.T, tokens *auth.Tokens, sid string) string {
	t.Helper()
	tok, err := tokens.Issue("machine", sid)
	require.NoError(t, err)
	return tok
}
