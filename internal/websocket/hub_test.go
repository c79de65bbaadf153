package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hierarchyflow/internal/notify"
)

var testSecret = []byte("ws-test-secret")

func signed(t *testing.T, sub string) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()})
	s, err := tok.SignedString(testSecret)
	require.NoError(t, err)
	return s
}

func startHub(t *testing.T) (*Hub, string) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(zap.NewNop())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ServeWs(hub, c, testSecret) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, sub string) *gws.Conn {
	conn, _, err := gws.DefaultDialer.Dial(url+"?token="+signed(t, sub), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServeWsRejectsMissingToken(t *testing.T) {
	_, url := startHub(t)
	_, resp, err := gws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPublishReachesOnlyRecipients(t *testing.T) {
	hub, url := startHub(t)
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")

	require.Eventually(t, func() bool {
		return hub.Connected("alice") == 1 && hub.Connected("bob") == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), notify.Event{
		Type: notify.EventAssigned, RequestID: "req-1", Recipients: []string{"alice"},
	}))

	_ = alice.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := alice.ReadMessage()
	require.NoError(t, err)
	var evt notify.Event
	require.NoError(t, json.Unmarshal(raw, &evt))
	assert.Equal(t, "req-1", evt.RequestID)

	_ = bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = bob.ReadMessage()
	assert.Error(t, err, "bob was not a recipient")
}

func TestPublishAfterShutdownReturnsPromptly(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	errCh := make(chan error, 1)
	go func() {
		errCh <- hub.Publish(context.Background(), notify.Event{Type: notify.EventAssigned, RequestID: "req-1"})
	}()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrHubClosed)
	case <-time.After(time.Second):
		t.Fatal("publish blocked after the hub stopped")
	}
}
