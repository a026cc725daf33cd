// Package bb10 speaks the BlackBerry 10 Push Access Protocol: multipart PAP
// documents posted over HTTPS with application credentials as Basic auth.
// Acceptance or rejection comes back in the response XML.
package bb10

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

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 1 << 20
)

// contentType declares the multipart layout the codec produces.
const contentType = "multipart/related; boundary=" + wire.BB10Boundary + "; type=application/xml"

// Config holds the push-initiator credentials issued for one application.
type Config struct {
	// ApplicationID doubles as the Basic auth user and the PAP
	// source-reference.
	ApplicationID string
	Password      string
	// Endpoint is the content-provider push URL, which embeds the CPID
	// and so has no meaningful default.
	Endpoint string
	Timeout  time.Duration
}

type Dialer struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func NewDialer(cfg Config, logger *slog.Logger) (*Dialer, error) {
	if cfg.ApplicationID == "" || cfg.Password == "" {
		return nil, fmt.Errorf("bb10: application id and password are required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("bb10: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Dialer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "bb10_dialer"),
	}, nil
}

func (d *Dialer) Vendor() push.Vendor { return push.VendorBB10 }

func (d *Dialer) Dial(_ context.Context, events chan<- gateway.Event, connID uint64) (gateway.Transport, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:    d.cfg,
		client: d.client,
		codec:  wire.NewBB10Codec(d.cfg.ApplicationID),
		events: events,
		connID: connID,
		logger: d.logger.With("conn_id", connID),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Transport posts PAP documents. Like the other HTTP vendor, Send completes
// asynchronously and the decoded result arrives as an event.
type Transport struct {
	cfg    Config
	client *http.Client
	codec  *wire.BB10Codec
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
	req.SetBasicAuth(t.cfg.ApplicationID, t.cfg.Password)
	req.Header.Set("Content-Type", contentType)

	res, err := t.client.Do(req)
	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		t.logger.Warn("bb10 request failed", "error", err)
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
			t.logger.Warn("undecodable pap response", "error", err)
			t.reject(frame, push.ReasonProcessingError, true)
			return
		}
		t.emit(gateway.Event{ConnID: t.connID, Identifier: frame.Identifier, Response: resp})
	case res.StatusCode == http.StatusUnauthorized:
		t.logger.Error("bb10 rejected application credentials")
		t.reject(frame, push.ReasonVendorRejected, false)
	case res.StatusCode >= 500:
		t.reject(frame, push.ReasonProcessingError, true)
	default:
		t.logger.Warn("unexpected bb10 status", "status", res.StatusCode)
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

func (t *Transport) Close() error {
	t.cancel()
	t.wg.Wait()
	return nil
}
