//go:build integration

package firestore_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fs "github.com/tinywideclouds/go-push-gateway/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupSuite(t *testing.T) (context.Context, *fs.Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	projectID := "test-token-registry"
	conn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	client, err := firestore.NewClient(ctx, projectID, conn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return ctx, fs.NewStore(client, newTestLogger())
}

func TestStore_Integration(t *testing.T) {
	ctx, store := setupSuite(t)
	apnsToken := []byte{0x01, 0x02, 0x03, 0x04}
	gcmToken := []byte("gcm-registration-id-1")

	t.Run("Register And List Lifecycle", func(t *testing.T) {
		userID := "user-lifecycle"

		require.NoError(t, store.Register(ctx, userID, push.VendorAPNS, apnsToken))

		devices, err := store.Devices(ctx, userID)
		require.NoError(t, err)
		require.Len(t, devices, 1)
		assert.Equal(t, push.VendorAPNS, devices[0].Vendor)
		assert.Equal(t, apnsToken, devices[0].Token)
		assert.False(t, devices[0].UpdatedAt.IsZero())

		require.NoError(t, store.Unregister(ctx, userID, push.VendorAPNS, apnsToken))

		devices, err = store.Devices(ctx, userID)
		require.NoError(t, err)
		assert.Empty(t, devices)
	})

	t.Run("Re-Register Is An Upsert", func(t *testing.T) {
		userID := "user-upsert"

		require.NoError(t, store.Register(ctx, userID, push.VendorGCM, gcmToken))
		require.NoError(t, store.Register(ctx, userID, push.VendorGCM, gcmToken))

		devices, err := store.Devices(ctx, userID)
		require.NoError(t, err)
		assert.Len(t, devices, 1)
	})

	t.Run("Mixed Vendors For One User", func(t *testing.T) {
		userID := "user-mixed"

		require.NoError(t, store.Register(ctx, userID, push.VendorAPNS, apnsToken))
		require.NoError(t, store.Register(ctx, userID, push.VendorGCM, gcmToken))

		devices, err := store.Devices(ctx, userID)
		require.NoError(t, err)
		require.Len(t, devices, 2)

		vendors := map[push.Vendor]bool{}
		for _, d := range devices {
			vendors[d.Vendor] = true
		}
		assert.True(t, vendors[push.VendorAPNS])
		assert.True(t, vendors[push.VendorGCM])
	})

	t.Run("RemoveToken Heals Every Owner", func(t *testing.T) {
		// The same device token registered under two users, as happens
		// after an account switch on one phone.
		shared := []byte{0xAA, 0xBB, 0xCC}
		require.NoError(t, store.Register(ctx, "user-old", push.VendorAPNS, shared))
		require.NoError(t, store.Register(ctx, "user-new", push.VendorAPNS, shared))

		removed, err := store.RemoveToken(ctx, push.VendorAPNS, shared)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		for _, userID := range []string{"user-old", "user-new"} {
			devices, err := store.Devices(ctx, userID)
			require.NoError(t, err)
			assert.Empty(t, devices)
		}
	})

	t.Run("RemoveToken Of Unknown Token Is Zero", func(t *testing.T) {
		removed, err := store.RemoveToken(ctx, push.VendorBB10, []byte("never-registered"))
		require.NoError(t, err)
		assert.Zero(t, removed)
	})
}
