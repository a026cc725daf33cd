package apns

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/tinywideclouds/go-push-gateway/internal/wire"
)

const defaultFeedbackReadTimeout = 30 * time.Second

// FeedbackClient reads the APNs feedback service. The service dumps every
// dead-token tuple it has accumulated and closes the connection, so one Fetch
// is one complete drain.
type FeedbackClient struct {
	cfg     Config
	tlsConf *tls.Config
	codec   *wire.APNSCodec
	logger  *slog.Logger
}

func NewFeedbackClient(cfg Config, logger *slog.Logger) (*FeedbackClient, error) {
	tlsConf, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	if tlsConf != nil {
		host, _, err := net.SplitHostPort(cfg.feedbackAddr())
		if err != nil {
			return nil, fmt.Errorf("invalid APNs feedback address: %w", err)
		}
		tlsConf = tlsConf.Clone()
		tlsConf.ServerName = host
	}
	return &FeedbackClient{
		cfg:     cfg,
		tlsConf: tlsConf,
		codec:   wire.NewAPNSCodec(),
		logger:  logger.With("component", "apns_feedback"),
	}, nil
}

// Fetch connects, drains the stream to EOF and decodes the tuples. A
// truncated stream still yields the tuples that decoded cleanly, alongside
// the decode error.
func (c *FeedbackClient) Fetch(ctx context.Context) ([]wire.FeedbackTuple, error) {
	netDialer := &net.Dialer{Timeout: c.cfg.dialTimeout()}

	var (
		conn net.Conn
		err  error
	)
	if c.tlsConf != nil {
		conn, err = (&tls.Dialer{NetDialer: netDialer, Config: c.tlsConf}).DialContext(ctx, "tcp", c.cfg.feedbackAddr())
	} else {
		conn, err = netDialer.DialContext(ctx, "tcp", c.cfg.feedbackAddr())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial APNs feedback service: %w", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(defaultFeedbackReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to arm read deadline: %w", err)
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read feedback stream: %w", err)
	}

	tuples, err := c.codec.DecodeFeedback(data)
	if err != nil {
		c.logger.Warn("feedback stream ended mid-tuple", "decoded", len(tuples), "error", err)
		return tuples, err
	}
	c.logger.Info("feedback stream drained", "tuples", len(tuples))
	return tuples, nil
}
