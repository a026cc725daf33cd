// Package firestore persists the device-token registry in Cloud Firestore.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

const (
	usersCollection   = "users"
	devicesCollection = "devices"
)

// Store keeps one document per registered device under
// users/{userID}/devices/{tokenHash}. Document ids are hashes of vendor and
// token, so re-registering is an upsert and raw tokens stay out of paths.
type Store struct {
	client *firestore.Client
	logger *slog.Logger
}

func NewStore(client *firestore.Client, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger.With("component", "token_registry"),
	}
}

// deviceRecord is the stored representation. TokenKey duplicates the document
// id so collection-group queries can find a token without knowing its owner.
type deviceRecord struct {
	Vendor    string    `firestore:"vendor"`
	Token     string    `firestore:"token"`
	TokenKey  string    `firestore:"token_key"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func (s *Store) Register(ctx context.Context, userID string, vendor push.Vendor, token []byte) error {
	key := docKey(vendor, token)
	record := deviceRecord{
		Vendor:    string(vendor),
		Token:     push.TokenKey(token),
		TokenKey:  key,
		UpdatedAt: time.Now(),
	}
	if _, err := s.deviceRef(userID, key).Set(ctx, record); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	return nil
}

func (s *Store) Unregister(ctx context.Context, userID string, vendor push.Vendor, token []byte) error {
	if _, err := s.deviceRef(userID, docKey(vendor, token)).Delete(ctx); err != nil {
		return fmt.Errorf("failed to unregister device: %w", err)
	}
	return nil
}

func (s *Store) Devices(ctx context.Context, userID string) ([]push.Device, error) {
	iter := s.devices(userID).Documents(ctx)
	defer iter.Stop()

	var devices []push.Device
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list devices: %w", err)
		}
		device, ok := s.decode(doc)
		if !ok {
			continue
		}
		devices = append(devices, device)
	}
	return devices, nil
}

// RemoveToken deletes every registration of the token via a collection-group
// query, since feedback names the token but never its owner.
func (s *Store) RemoveToken(ctx context.Context, vendor push.Vendor, token []byte) (int, error) {
	iter := s.client.CollectionGroup(devicesCollection).
		Where("token_key", "==", docKey(vendor, token)).
		Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("failed to query token registrations: %w", err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return removed, fmt.Errorf("failed to delete device document: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (s *Store) decode(doc *firestore.DocumentSnapshot) (push.Device, bool) {
	var record deviceRecord
	if err := doc.DataTo(&record); err != nil {
		s.logger.Warn("skipping corrupt device document", "doc", doc.Ref.Path, "error", err)
		return push.Device{}, false
	}
	token, err := hex.DecodeString(record.Token)
	if err != nil {
		s.logger.Warn("skipping device with malformed token", "doc", doc.Ref.Path, "error", err)
		return push.Device{}, false
	}
	return push.Device{
		Vendor:    push.Vendor(record.Vendor),
		Token:     token,
		UpdatedAt: record.UpdatedAt,
	}, true
}

func (s *Store) deviceRef(userID, key string) *firestore.DocumentRef {
	return s.devices(userID).Doc(key)
}

func (s *Store) devices(userID string) *firestore.CollectionRef {
	return s.client.Collection(usersCollection).Doc(userID).Collection(devicesCollection)
}

func docKey(vendor push.Vendor, token []byte) string {
	sum := sha256.Sum256([]byte(string(vendor) + ":" + push.TokenKey(token)))
	return hex.EncodeToString(sum[:])
}
