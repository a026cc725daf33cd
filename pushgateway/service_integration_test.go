//go:build integration

package pushgateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tinywideclouds/go-push-gateway/internal/engine"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/gcm"
	fsStore "github.com/tinywideclouds/go-push-gateway/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-gateway/internal/wire"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
	"github.com/tinywideclouds/go-push-gateway/pushgateway"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
)

// --- Fake vendor ---

// fakeGCM stands in for the legacy GCM HTTP endpoint: it records every
// registration id it is asked to deliver to and acks each request.
type fakeGCM struct {
	mu     sync.Mutex
	calls  int
	tokens []string
}

func (f *fakeGCM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		RegistrationIDs []string `json:"registration_ids"`
	}
	_ = json.Unmarshal(body, &req)

	f.mu.Lock()
	f.calls++
	f.tokens = append(f.tokens, req.RegistrationIDs...)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"multicast_id":1,"success":1,"failure":0,"results":[{"message_id":"m-1"}]}`))
}

func (f *fakeGCM) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeGCM) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.tokens))
	copy(out, f.tokens)
	return out
}

// --- Test ---

func TestService_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	projectID := "test-project-integ"

	// 1. Emulators
	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = psClient.Close() })

	fsConn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	fsClient, err := firestore.NewClient(ctx, projectID, fsConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsClient.Close() })

	// 2. Token registry (Firestore implementation)
	registry := fsStore.NewStore(fsClient, logger)

	t.Run("Full Lifecycle: Register -> Consume -> Deliver", func(t *testing.T) {
		// Arrange
		topicID := "push-success-" + uuid.NewString()
		subID := topicID + "-sub"
		createPubsubResources(t, ctx, psClient, projectID, topicID, subID)

		vendor := &fakeGCM{}
		vendorSrv := httptest.NewServer(vendor)
		t.Cleanup(vendorSrv.Close)

		dialer, err := gcm.NewDialer(gcm.Config{APIKey: "integration-key", Endpoint: vendorSrv.URL}, logger)
		require.NoError(t, err)

		eng, err := engine.New(engine.Config{
			Routes: []engine.RouteConfig{{
				Codec:      wire.NewGCMCodec(),
				Dialer:     dialer,
				QueueDepth: 16,
			}},
		}, logger)
		require.NoError(t, err)

		consumerCfg := *messagepipeline.NewGooglePubsubConsumerDefaults(subID)
		consumer, err := messagepipeline.NewGooglePubsubConsumer(&consumerCfg, psClient, logger)
		require.NoError(t, err)

		svc, err := pushgateway.New(
			&config.Config{ListenAddr: ":0", NumPipelineWorkers: 2},
			consumer,
			eng,
			registry,
			nil, // no suppression cache; the processor sends unconditionally
			func(h http.Handler) http.Handler { return h }, // no-op auth
			logger,
		)
		require.NoError(t, err)

		svcCtx, svcCancel := context.WithCancel(ctx)
		defer svcCancel()
		go func() {
			if err := svc.Start(svcCtx); err != nil && !errors.Is(err, context.Canceled) {
				t.Logf("service.Start() returned an error: %v", err)
			}
		}()
		t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

		// Step A: register a device token for the recipient.
		userURN, err := urn.Parse("urn:sm:user:integ-user")
		require.NoError(t, err)
		err = registry.Register(ctx, userURN.String(), push.VendorGCM, []byte("gcm-reg-token-999"))
		require.NoError(t, err)

		// Step B: publish a request addressed by recipient only. The service
		// must resolve the token registered in step A.
		payload := []byte(`{"recipient_id":"urn:sm:user:integ-user","payload":{"title":"Hello"}}`)
		_, err = psClient.Publisher(topicID).Publish(ctx, &pubsub.Message{Data: payload}).Get(ctx)
		require.NoError(t, err)

		// Assert: the vendor endpoint received the registered token.
		require.Eventually(t, func() bool {
			return vendor.CallCount() >= 1
		}, 10*time.Second, 100*time.Millisecond)

		assert.Equal(t, []string{"gcm-reg-token-999"}, vendor.Tokens())
	})
}

func createPubsubResources(t *testing.T, ctx context.Context, client *pubsub.Client, projectID, topicID, subID string) {
	t.Helper()
	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.TopicAdminClient.DeleteTopic(context.Background(), &pubsubpb.DeleteTopicRequest{Topic: topicName})
	})

	subName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
	sub := &pubsubpb.Subscription{
		Name:               subName,
		Topic:              topicName,
		AckDeadlineSeconds: 10,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: &durationpb.Duration{Seconds: 1},
		},
	}
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, sub)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.SubscriptionAdminClient.DeleteSubscription(context.Background(), &pubsubpb.DeleteSubscriptionRequest{Subscription: subName})
	})
}
