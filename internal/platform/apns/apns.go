// Package apns speaks the Apple Push Notification service binary gateway
// protocol: a persistent TLS socket that accepts enhanced-format frames and
// answers only when something goes wrong. It also reads the companion
// feedback service, which lists tokens Apple has given up on.
package apns

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tinywideclouds/go-push-gateway/internal/gateway"
	"github.com/tinywideclouds/go-push-gateway/internal/wire"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// Gateway and feedback service addresses per environment.
const (
	GatewayAddrProduction  = "gateway.push.apple.com:2195"
	GatewayAddrSandbox     = "gateway.sandbox.push.apple.com:2195"
	FeedbackAddrProduction = "feedback.push.apple.com:2196"
	FeedbackAddrSandbox    = "feedback.sandbox.push.apple.com:2196"
)

const (
	defaultDialTimeout  = 15 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Config holds the credentials and endpoints for one APNs app.
type Config struct {
	Environment push.Environment
	// CertPEM and KeyPEM are the raw contents of the client certificate
	// pair issued for the app. Empty disables TLS, which only makes sense
	// against a local stand-in for the gateway.
	CertPEM []byte
	KeyPEM  []byte
	// GatewayAddr and FeedbackAddr override the per-environment defaults.
	GatewayAddr  string
	FeedbackAddr string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) gatewayAddr() string {
	if c.GatewayAddr != "" {
		return c.GatewayAddr
	}
	if c.Environment == push.EnvironmentSandbox {
		return GatewayAddrSandbox
	}
	return GatewayAddrProduction
}

func (c Config) feedbackAddr() string {
	if c.FeedbackAddr != "" {
		return c.FeedbackAddr
	}
	if c.Environment == push.EnvironmentSandbox {
		return FeedbackAddrSandbox
	}
	return FeedbackAddrProduction
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return defaultDialTimeout
}

func (c Config) writeTimeout() time.Duration {
	if c.WriteTimeout > 0 {
		return c.WriteTimeout
	}
	return defaultWriteTimeout
}

// tlsConfig builds the client TLS config from the PEM pair, or nil when no
// certificate was supplied.
func (c Config) tlsConfig() (*tls.Config, error) {
	if len(c.CertPEM) == 0 && len(c.KeyPEM) == 0 {
		return nil, nil
	}
	cert, err := tls.X509KeyPair(c.CertPEM, c.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs certificate pair: %w", err)
	}
	host, _, err := net.SplitHostPort(c.gatewayAddr())
	if err != nil {
		return nil, fmt.Errorf("invalid APNs gateway address: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   host,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Dialer opens gateway connections. It parses the certificate once at
// construction to fail fast on bad credentials.
type Dialer struct {
	cfg     Config
	tlsConf *tls.Config
	codec   *wire.APNSCodec
	logger  *slog.Logger
}

func NewDialer(cfg Config, logger *slog.Logger) (*Dialer, error) {
	tlsConf, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	return &Dialer{
		cfg:     cfg,
		tlsConf: tlsConf,
		codec:   wire.NewAPNSCodec(),
		logger:  logger.With("component", "apns_dialer"),
	}, nil
}

func (d *Dialer) Vendor() push.Vendor { return push.VendorAPNS }

// Dial connects to the gateway and starts the error-frame reader.
func (d *Dialer) Dial(ctx context.Context, events chan<- gateway.Event, connID uint64) (gateway.Transport, error) {
	netDialer := &net.Dialer{Timeout: d.cfg.dialTimeout()}

	var (
		raw net.Conn
		err error
	)
	if d.tlsConf != nil {
		raw, err = (&tls.Dialer{NetDialer: netDialer, Config: d.tlsConf}).DialContext(ctx, "tcp", d.cfg.gatewayAddr())
	} else {
		raw, err = netDialer.DialContext(ctx, "tcp", d.cfg.gatewayAddr())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial APNs gateway: %w", err)
	}

	conn := &Conn{
		conn:         raw,
		codec:        d.codec,
		events:       events,
		connID:       connID,
		writeTimeout: d.cfg.writeTimeout(),
		logger:       d.logger.With("conn_id", connID),
	}
	go conn.readLoop()
	return conn, nil
}
