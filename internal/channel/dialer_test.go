package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/edgesession/internal/protocol/session"
	"github.com/danmuck/edgesession/internal/testutil/testlog"
	"github.com/danmuck/edgesession/internal/testutil/tlstest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func mutualTLSRelay(t *testing.T) (*httptest.Server, *tlstest.Authority) {
	t.Helper()
	ca := tlstest.NewAuthority(t, "edgesession-test-ca")
	pair := ca.Server(t, "relay", "localhost", "127.0.0.1")

	upgrader := websocket.Upgrader{}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("ok"))
		_ = conn.Close()
	}))
	srv.TLS = ca.ServerConfig(t, pair, true)
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv, ca
}

func TestWebsocketDialerMutualTLS(t *testing.T) {
	testlog.Start(t)
	srv, ca := mutualTLSRelay(t)
	url := "wss" + strings.TrimPrefix(srv.URL, "https")

	client := ca.Client(t, "agent")
	cfg := session.DefaultConfig()
	cfg.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: client.CertFile,
		KeyFile:  client.KeyFile,
		CAFile:   ca.CAFile,
	}
	require.NoError(t, cfg.ValidateClientTransport())

	conn, err := WebsocketDialer{Config: cfg}.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "ok", string(data))
	require.NoError(t, conn.Close())

	noClientCert := cfg
	noClientCert.TLS.Mutual = false
	noClientCert.TLS.CertFile = ""
	noClientCert.TLS.KeyFile = ""
	if conn, err := (WebsocketDialer{Config: noClientCert}).Dial(context.Background(), url, nil); err == nil {
		// TLS 1.3 reports a missing client certificate on first read.
		_, _, err = conn.ReadMessage()
		require.Error(t, err)
		_ = conn.Close()
	}

	untrusted := cfg
	untrusted.TLS.CAFile = ""
	_, err = WebsocketDialer{Config: untrusted}.Dial(context.Background(), url, nil)
	require.Error(t, err)
}
