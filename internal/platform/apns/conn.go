package apns

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinywideclouds/go-push-gateway/internal/gateway"
	"github.com/tinywideclouds/go-push-gateway/internal/wire"
)

// Conn is one live gateway connection. Writes happen on the caller's
// goroutine; a reader goroutine turns the gateway's 6-byte error frames into
// events. The gateway never acknowledges success, so a healthy connection is
// silent.
type Conn struct {
	conn         net.Conn
	codec        *wire.APNSCodec
	events       chan<- gateway.Event
	connID       uint64
	writeTimeout time.Duration
	logger       *slog.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

// Send writes one encoded frame. The write deadline is the shorter of the
// configured timeout and the context deadline.
func (c *Conn) Send(ctx context.Context, frame *wire.Frame) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to arm write deadline: %w", err)
	}
	if _, err := c.conn.Write(frame.Body); err != nil {
		return fmt.Errorf("failed to write APNs frame: %w", err)
	}
	return nil
}

// readLoop blocks on the socket for error frames. Any read problem, including
// the remote close Apple performs after sending an error frame, ends the loop
// with a Down event unless this side closed deliberately.
func (c *Conn) readLoop() {
	buf := make([]byte, 6)
	for {
		if _, err := io.ReadFull(c.conn, buf); err != nil {
			if !c.closed.Load() {
				c.events <- gateway.Event{
					ConnID: c.connID,
					Err:    fmt.Errorf("apns gateway read: %w", err),
				}
				_ = c.Close()
			}
			return
		}

		resp, err := c.codec.DecodeResponse(buf)
		if err != nil {
			// Undecodable bytes mean we lost frame sync; nothing
			// further read from this socket can be trusted.
			c.logger.Warn("unreadable gateway response, dropping connection", "error", err)
			if !c.closed.Load() {
				c.events <- gateway.Event{ConnID: c.connID, Err: err}
				_ = c.Close()
			}
			return
		}

		c.logger.Debug("gateway error frame",
			"identifier", resp.Err.Identifier,
			"reason", string(resp.Err.Reason))
		c.events <- gateway.Event{
			ConnID:     c.connID,
			Identifier: resp.Err.Identifier,
			Response:   resp,
		}
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}
