// Package gcm speaks the legacy Google Cloud Messaging HTTP API: one JSON
// POST per notification, authenticated with a server API key. Delivery
// results come back in the response body, so unlike a stream vendor every
// send produces exactly one event.
package gcm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-gateway/internal/gateway"
	"github.com/tinywideclouds/go-push-gateway/internal/wire"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// DefaultEndpoint is the legacy send endpoint.
const DefaultEndpoint = "https://gcm-http.googleapis.com/gcm/send"

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 1 << 20
)

// Config holds the credentials for one GCM sender.
type Config struct {
	// APIKey is the server key sent as `Authorization: key=...`.
	APIKey   string
	Endpoint string
	Timeout  time.Duration
}

// Dialer hands out transports that share one HTTP client.
type Dialer struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func NewDialer(cfg Config, logger *slog.Logger) (*Dialer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gcm: api key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Dialer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "gcm_dialer"),
	}, nil
}

func (d *Dialer) Vendor() push.Vendor { return push.VendorGCM }

// Dial never touches the network; the first request does. It still
// participates in the manager's generation scheme so events correlate.
func (d *Dialer) Dial(_ context.Context, events chan<- gateway.Event, connID uint64) (gateway.Transport, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:    d.cfg,
		client: d.client,
		codec:  wire.NewGCMCodec(),
		events: events,
		connID: connID,
		logger: d.logger.With("conn_id", connID),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Transport posts frames to the send endpoint. Send returns as soon as the
// request is in flight; the result is published as an event when the
// response lands.
type Transport struct {
	cfg    Config
	client *http.Client
	codec  *wire.GCMCodec
	events chan<- gateway.Event
	connID uint64
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (t *Transport) Send(_ context.Context, frame *wire.Frame) error {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.deliver(frame)
	}()
	return nil
}

func (t *Transport) deliver(frame *wire.Frame) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(frame.Body))
	if err != nil {
		t.reject(frame, push.ReasonProcessingError, false)
		return
	}
	req.Header.Set("Authorization", "key="+t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := t.client.Do(req)
	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		t.logger.Warn("gcm request failed", "error", err)
		t.reject(frame, push.ReasonProcessingError, true)
		return
	}
	defer func() { _ = res.Body.Close() }()

	switch {
	case res.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
		if err != nil {
			t.reject(frame, push.ReasonProcessingError, true)
			return
		}
		resp, err := t.codec.DecodeResponse(body)
		if err != nil {
			t.logger.Warn("undecodable gcm response", "error", err)
			t.reject(frame, push.ReasonProcessingError, true)
			return
		}
		t.emit(gateway.Event{ConnID: t.connID, Identifier: frame.Identifier, Response: resp})
	case res.StatusCode == http.StatusBadRequest:
		// The request JSON itself was rejected; retrying the same bytes
		// cannot help.
		t.logger.Error("gcm rejected request as malformed")
		t.reject(frame, push.ReasonVendorRejected, false)
	case res.StatusCode == http.StatusUnauthorized:
		t.logger.Error("gcm rejected api key")
		t.reject(frame, push.ReasonMismatchSender, false)
	case res.StatusCode >= 500:
		t.reject(frame, push.ReasonProcessingError, true)
	default:
		t.logger.Warn("unexpected gcm status", "status", res.StatusCode)
		t.reject(frame, push.ReasonUnknown, false)
	}
}

func (t *Transport) reject(frame *wire.Frame, reason push.Reason, retryable bool) {
	t.emit(gateway.Event{
		ConnID:     t.connID,
		Identifier: frame.Identifier,
		Response: &wire.Response{
			Err: &wire.DeliveryError{
				Identifier: frame.Identifier,
				Reason:     reason,
				Retryable:  retryable,
			},
		},
	})
}

func (t *Transport) emit(ev gateway.Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// Close cancels in-flight requests and waits for their goroutines.
func (t *Transport) Close() error {
	t.cancel()
	t.wg.Wait()
	return nil
}
