package bb10

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/internal/gateway"
	"github.com/tinywideclouds/go-push-gateway/internal/wire"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

const acceptedResponse = `<?xml version="1.0"?>
<pap>
  <push-response push-id="abc">
    <response-result code="1001" desc="accepted"/>
  </push-response>
</pap>`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturedRequest struct {
	user        string
	password    string
	contentType string
	body        string
}

func newTransport(t *testing.T, handler http.HandlerFunc) (gateway.Transport, <-chan gateway.Event, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		captured.user, captured.password, _ = r.BasicAuth()
		captured.contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		captured.body = string(body)
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	dialer, err := NewDialer(Config{
		ApplicationID: "app-3465",
		Password:      "secret",
		Endpoint:      server.URL,
	}, testLogger())
	require.NoError(t, err)

	events := make(chan gateway.Event, 8)
	transport, err := dialer.Dial(context.Background(), events, 21)
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	return transport, events, captured
}

func encodeTestFrame(t *testing.T) *wire.Frame {
	t.Helper()
	frame, err := wire.NewBB10Codec("app-3465").Encode(&push.Notification{
		ID:          uuid.New(),
		Vendor:      push.VendorBB10,
		DeviceToken: []byte("21C55311"),
		Payload:     push.Payload{Body: "hello"},
	}, 4)
	require.NoError(t, err)
	return frame
}

func waitEvent(t *testing.T, events <-chan gateway.Event) gateway.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return gateway.Event{}
	}
}

func TestTransport_Accepted(t *testing.T) {
	transport, events, captured := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(acceptedResponse))
	})

	frame := encodeTestFrame(t)
	require.NoError(t, transport.Send(context.Background(), frame))

	ev := waitEvent(t, events)
	require.False(t, ev.Down())
	assert.Equal(t, uint64(21), ev.ConnID)
	assert.Equal(t, uint32(4), ev.Identifier)
	assert.True(t, ev.Response.Ack)

	assert.Equal(t, "app-3465", captured.user)
	assert.Equal(t, "secret", captured.password)
	assert.True(t, strings.HasPrefix(captured.contentType, "multipart/related;"), captured.contentType)
	assert.Contains(t, captured.body, `source-reference="app-3465"`)
	assert.Contains(t, captured.body, `address-value="21C55311"`)
}

func TestTransport_AddressError(t *testing.T) {
	transport, events, _ := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Replace(acceptedResponse, "1001", "2002", 1)))
	})

	require.NoError(t, transport.Send(context.Background(), encodeTestFrame(t)))

	ev := waitEvent(t, events)
	require.NotNil(t, ev.Response.Err)
	assert.Equal(t, push.ReasonInvalidToken, ev.Response.Err.Reason)
	assert.True(t, ev.Response.Err.TokenInvalid)
}

func TestTransport_ServerErrorIsRetryable(t *testing.T) {
	transport, events, _ := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	require.NoError(t, transport.Send(context.Background(), encodeTestFrame(t)))

	ev := waitEvent(t, events)
	require.NotNil(t, ev.Response.Err)
	assert.Equal(t, push.ReasonProcessingError, ev.Response.Err.Reason)
	assert.True(t, ev.Response.Err.Retryable)
}

func TestTransport_UnauthorizedIsTerminal(t *testing.T) {
	transport, events, _ := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	require.NoError(t, transport.Send(context.Background(), encodeTestFrame(t)))

	ev := waitEvent(t, events)
	require.NotNil(t, ev.Response.Err)
	assert.Equal(t, push.ReasonVendorRejected, ev.Response.Err.Reason)
	assert.False(t, ev.Response.Err.Retryable)
}

func TestNewDialer_Validation(t *testing.T) {
	logger := testLogger()

	_, err := NewDialer(Config{Password: "p", Endpoint: "http://x"}, logger)
	require.Error(t, err, "missing application id")

	_, err = NewDialer(Config{ApplicationID: "a", Password: "p"}, logger)
	require.Error(t, err, "missing endpoint")
}
