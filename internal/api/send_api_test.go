package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/internal/api"
	"github.com/tinywideclouds/go-push-gateway/internal/engine"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Send(n *push.Notification) (*push.Receipt, error) {
	args := m.Called(n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.Receipt), args.Error(1)
}

func (m *MockDispatcher) Cancel(id uuid.UUID) bool {
	return m.Called(id).Bool(0)
}

func (m *MockDispatcher) Metrics() engine.MetricsSnapshot {
	return m.Called().Get(0).(engine.MetricsSnapshot)
}

func setupSendAPI(t *testing.T) (*api.SendAPI, *MockDispatcher) {
	t.Helper()
	mockEngine := new(MockDispatcher)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return api.NewSendAPI(mockEngine, logger), mockEngine
}

func TestSendNotification(t *testing.T) {
	const userID = "urn:sm:user:operator"

	sendBody := func(t *testing.T, req api.SendRequest) *bytes.Reader {
		t.Helper()
		body, err := json.Marshal(req)
		require.NoError(t, err)
		return bytes.NewReader(body)
	}

	t.Run("Accepted", func(t *testing.T) {
		apiHandler, mockEngine := setupSendAPI(t)

		notificationID := uuid.New()
		mockEngine.On("Send", mock.MatchedBy(func(n *push.Notification) bool {
			return n.Vendor == push.VendorGCM && string(n.DeviceToken) == "reg-1" &&
				n.Priority == push.PriorityHigh
		})).Return(push.NewReceipt(notificationID), nil)

		req := withUser(httptest.NewRequest("POST", "/notifications", sendBody(t, api.SendRequest{
			Vendor:      "gcm",
			DeviceToken: "reg-1",
			Payload:     push.Payload{Title: "Hi"},
		})), userID)
		w := httptest.NewRecorder()

		apiHandler.SendNotification(w, req)

		require.Equal(t, http.StatusAccepted, w.Code)
		var resp api.SendResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, notificationID.String(), resp.NotificationID)
		mockEngine.AssertExpectations(t)
	})

	t.Run("Queue Full Is Too Many Requests", func(t *testing.T) {
		apiHandler, mockEngine := setupSendAPI(t)
		mockEngine.On("Send", mock.Anything).Return(nil, push.ErrQueueFull)

		req := withUser(httptest.NewRequest("POST", "/notifications", sendBody(t, api.SendRequest{
			Vendor:      "gcm",
			DeviceToken: "reg-1",
			Payload:     push.Payload{Title: "Hi"},
		})), userID)
		w := httptest.NewRecorder()

		apiHandler.SendNotification(w, req)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("Oversize Payload Is Entity Too Large", func(t *testing.T) {
		apiHandler, mockEngine := setupSendAPI(t)
		mockEngine.On("Send", mock.Anything).Return(nil, push.ErrPayloadTooLarge)

		req := withUser(httptest.NewRequest("POST", "/notifications", sendBody(t, api.SendRequest{
			Vendor:      "apns",
			DeviceToken: "AAAA",
			Payload:     push.Payload{Body: "big"},
		})), userID)
		w := httptest.NewRecorder()

		apiHandler.SendNotification(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("Engine Closed Is Service Unavailable", func(t *testing.T) {
		apiHandler, mockEngine := setupSendAPI(t)
		mockEngine.On("Send", mock.Anything).Return(nil, push.ErrEngineClosed)

		req := withUser(httptest.NewRequest("POST", "/notifications", sendBody(t, api.SendRequest{
			Vendor:      "gcm",
			DeviceToken: "reg-1",
			Payload:     push.Payload{Title: "Hi"},
		})), userID)
		w := httptest.NewRecorder()

		apiHandler.SendNotification(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("Unknown Vendor Rejected Before The Engine", func(t *testing.T) {
		apiHandler, mockEngine := setupSendAPI(t)

		req := withUser(httptest.NewRequest("POST", "/notifications", sendBody(t, api.SendRequest{
			Vendor:      "wns",
			DeviceToken: "abc",
			Payload:     push.Payload{Title: "Hi"},
		})), userID)
		w := httptest.NewRecorder()

		apiHandler.SendNotification(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		mockEngine.AssertNotCalled(t, "Send", mock.Anything)
	})

	t.Run("Rejects Unauthenticated", func(t *testing.T) {
		apiHandler, _ := setupSendAPI(t)

		req := httptest.NewRequest("POST", "/notifications", bytes.NewReader([]byte(`{}`)))
		w := httptest.NewRecorder()

		apiHandler.SendNotification(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestCancelNotification(t *testing.T) {
	const userID = "urn:sm:user:operator"

	t.Run("Cancelled While Queued", func(t *testing.T) {
		apiHandler, mockEngine := setupSendAPI(t)

		id := uuid.New()
		mockEngine.On("Cancel", id).Return(true)

		req := withUser(httptest.NewRequest("DELETE", "/notifications/"+id.String(), nil), userID)
		req.SetPathValue("id", id.String())
		w := httptest.NewRecorder()

		apiHandler.CancelNotification(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		mockEngine.AssertExpectations(t)
	})

	t.Run("Already In Flight Is Conflict", func(t *testing.T) {
		apiHandler, mockEngine := setupSendAPI(t)

		id := uuid.New()
		mockEngine.On("Cancel", id).Return(false)

		req := withUser(httptest.NewRequest("DELETE", "/notifications/"+id.String(), nil), userID)
		req.SetPathValue("id", id.String())
		w := httptest.NewRecorder()

		apiHandler.CancelNotification(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("Bad Id", func(t *testing.T) {
		apiHandler, _ := setupSendAPI(t)

		req := withUser(httptest.NewRequest("DELETE", "/notifications/not-a-uuid", nil), userID)
		req.SetPathValue("id", "not-a-uuid")
		w := httptest.NewRecorder()

		apiHandler.CancelNotification(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetMetrics(t *testing.T) {
	apiHandler, mockEngine := setupSendAPI(t)

	mockEngine.On("Metrics").Return(engine.MetricsSnapshot{Enqueued: 7, Acked: 5, Queued: 2})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	apiHandler.GetMetrics(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var snap engine.MetricsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(7), snap.Enqueued)
	assert.Equal(t, int64(5), snap.Acked)
	assert.Equal(t, 2, snap.Queued)
}
