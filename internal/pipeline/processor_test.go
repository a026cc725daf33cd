package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-gateway/internal/pipeline"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// resolvedReceipt returns a receipt that has already settled, so the
// processor's outcome logger finishes immediately.
func resolvedReceipt() *push.Receipt {
	r := push.NewReceipt(uuid.New())
	r.Resolve(push.DeliveryOutcome{Status: push.StatusAcked, Attempts: 1})
	return r
}

// --- Typed Mocks ---

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(n *push.Notification) (*push.Receipt, error) {
	args := m.Called(n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.Receipt), args.Error(1)
}

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) Register(ctx context.Context, userID string, vendor push.Vendor, token []byte) error {
	return m.Called(ctx, userID, vendor, token).Error(0)
}

func (m *mockRegistry) Unregister(ctx context.Context, userID string, vendor push.Vendor, token []byte) error {
	return m.Called(ctx, userID, vendor, token).Error(0)
}

func (m *mockRegistry) Devices(ctx context.Context, userID string) ([]push.Device, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]push.Device), args.Error(1)
}

func (m *mockRegistry) RemoveToken(ctx context.Context, vendor push.Vendor, token []byte) (int, error) {
	args := m.Called(ctx, vendor, token)
	return args.Int(0), args.Error(1)
}

type mockSuppressor struct {
	mock.Mock
}

func (m *mockSuppressor) Suppress(ctx context.Context, entry push.FeedbackEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *mockSuppressor) IsSuppressed(ctx context.Context, vendor push.Vendor, token []byte) (bool, error) {
	args := m.Called(ctx, vendor, token)
	return args.Bool(0), args.Error(1)
}

func (m *mockSuppressor) Lift(ctx context.Context, vendor push.Vendor, token []byte) error {
	return m.Called(ctx, vendor, token).Error(0)
}

func sendFor(vendor push.Vendor) interface{} {
	return mock.MatchedBy(func(n *push.Notification) bool { return n.Vendor == vendor })
}

func TestProcessor_FanOut(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	testURN, err := urn.Parse("urn:sm:user:test-processor")
	require.NoError(t, err)

	apnsDevice := push.Device{Vendor: push.VendorAPNS, Token: []byte{0x01, 0x02}}
	gcmDevice := push.Device{Vendor: push.VendorGCM, Token: []byte("reg-id-1")}

	inboundReq := &pipeline.PushRequest{
		Recipient: testURN,
		Payload:   push.Payload{Title: "Hello"},
		Priority:  push.PriorityHigh,
	}

	t.Run("Fans Out To Registered Devices", func(t *testing.T) {
		sender := new(mockSender)
		registry := new(mockRegistry)
		suppressor := new(mockSuppressor)

		registry.On("Devices", mock.Anything, testURN.String()).
			Return([]push.Device{apnsDevice, gcmDevice}, nil)
		suppressor.On("IsSuppressed", mock.Anything, mock.Anything, mock.Anything).
			Return(false, nil)
		sender.On("Send", sendFor(push.VendorAPNS)).Return(resolvedReceipt(), nil)
		sender.On("Send", sendFor(push.VendorGCM)).Return(resolvedReceipt(), nil)

		processor := pipeline.NewProcessor(sender, registry, suppressor, logger)
		err := processor(ctx, messagepipeline.Message{}, inboundReq)

		require.NoError(t, err)
		sender.AssertExpectations(t)
		sender.AssertNumberOfCalls(t, "Send", 2)
	})

	t.Run("Vendor Filter Narrows Fan-Out", func(t *testing.T) {
		sender := new(mockSender)
		registry := new(mockRegistry)
		suppressor := new(mockSuppressor)

		registry.On("Devices", mock.Anything, testURN.String()).
			Return([]push.Device{apnsDevice, gcmDevice}, nil)
		suppressor.On("IsSuppressed", mock.Anything, push.VendorGCM, gcmDevice.Token).
			Return(false, nil)
		sender.On("Send", sendFor(push.VendorGCM)).Return(resolvedReceipt(), nil)

		filtered := *inboundReq
		filtered.Vendor = push.VendorGCM

		processor := pipeline.NewProcessor(sender, registry, suppressor, logger)
		err := processor(ctx, messagepipeline.Message{}, &filtered)

		require.NoError(t, err)
		sender.AssertExpectations(t)
		sender.AssertNumberOfCalls(t, "Send", 1)
	})

	t.Run("Suppressed Token Is Skipped", func(t *testing.T) {
		sender := new(mockSender)
		registry := new(mockRegistry)
		suppressor := new(mockSuppressor)

		registry.On("Devices", mock.Anything, testURN.String()).
			Return([]push.Device{apnsDevice, gcmDevice}, nil)
		suppressor.On("IsSuppressed", mock.Anything, push.VendorAPNS, apnsDevice.Token).
			Return(true, nil)
		suppressor.On("IsSuppressed", mock.Anything, push.VendorGCM, gcmDevice.Token).
			Return(false, nil)
		sender.On("Send", sendFor(push.VendorGCM)).Return(resolvedReceipt(), nil)

		processor := pipeline.NewProcessor(sender, registry, suppressor, logger)
		err := processor(ctx, messagepipeline.Message{}, inboundReq)

		require.NoError(t, err)
		sender.AssertExpectations(t)
		sender.AssertNumberOfCalls(t, "Send", 1)
	})

	t.Run("Suppression Lookup Failure Sends Anyway", func(t *testing.T) {
		sender := new(mockSender)
		registry := new(mockRegistry)
		suppressor := new(mockSuppressor)

		registry.On("Devices", mock.Anything, testURN.String()).
			Return([]push.Device{apnsDevice}, nil)
		suppressor.On("IsSuppressed", mock.Anything, mock.Anything, mock.Anything).
			Return(false, errors.New("redis down"))
		sender.On("Send", sendFor(push.VendorAPNS)).Return(resolvedReceipt(), nil)

		processor := pipeline.NewProcessor(sender, registry, suppressor, logger)
		err := processor(ctx, messagepipeline.Message{}, inboundReq)

		require.NoError(t, err)
		sender.AssertExpectations(t)
	})

	t.Run("Registry Failure Is Retryable", func(t *testing.T) {
		sender := new(mockSender)
		registry := new(mockRegistry)

		registry.On("Devices", mock.Anything, testURN.String()).
			Return(nil, errors.New("firestore unavailable"))

		processor := pipeline.NewProcessor(sender, registry, nil, logger)
		err := processor(ctx, messagepipeline.Message{}, inboundReq)

		require.Error(t, err)
		sender.AssertNotCalled(t, "Send", mock.Anything)
	})

	t.Run("No Registered Devices Acks", func(t *testing.T) {
		sender := new(mockSender)
		registry := new(mockRegistry)

		registry.On("Devices", mock.Anything, testURN.String()).
			Return([]push.Device{}, nil)

		processor := pipeline.NewProcessor(sender, registry, nil, logger)
		err := processor(ctx, messagepipeline.Message{}, inboundReq)

		require.NoError(t, err)
		sender.AssertNotCalled(t, "Send", mock.Anything)
	})
}

func TestProcessor_Enqueue(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()

	directReq := &pipeline.PushRequest{
		Vendor:      push.VendorAPNS,
		DeviceToken: []byte{0xAA, 0xBB},
		Payload:     push.Payload{Body: "direct"},
		Priority:    push.PriorityHigh,
	}

	t.Run("Explicit Token Bypasses Registry", func(t *testing.T) {
		sender := new(mockSender)
		registry := new(mockRegistry)

		sender.On("Send", mock.MatchedBy(func(n *push.Notification) bool {
			return n.Vendor == push.VendorAPNS && string(n.DeviceToken) == string(directReq.DeviceToken)
		})).Return(resolvedReceipt(), nil)

		processor := pipeline.NewProcessor(sender, registry, nil, logger)
		err := processor(ctx, messagepipeline.Message{}, directReq)

		require.NoError(t, err)
		sender.AssertExpectations(t)
		registry.AssertNotCalled(t, "Devices", mock.Anything, mock.Anything)
	})

	t.Run("Queue Saturation Nacks For Redelivery", func(t *testing.T) {
		sender := new(mockSender)

		sender.On("Send", mock.Anything).Return(nil, push.ErrQueueFull)

		processor := pipeline.NewProcessor(sender, new(mockRegistry), nil, logger)
		err := processor(ctx, messagepipeline.Message{}, directReq)

		require.Error(t, err)
		require.ErrorIs(t, err, push.ErrQueueFull)
	})

	t.Run("Encode Rejection Is Not Retried", func(t *testing.T) {
		sender := new(mockSender)

		sender.On("Send", mock.Anything).Return(nil, push.ErrPayloadTooLarge)

		processor := pipeline.NewProcessor(sender, new(mockRegistry), nil, logger)
		err := processor(ctx, messagepipeline.Message{}, directReq)

		require.NoError(t, err, "oversize payloads will not heal on redelivery")
	})
}
