package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// Sender is the slice of the dispatch engine the processor needs.
type Sender interface {
	Send(n *push.Notification) (*push.Receipt, error)
}

// NewProcessor creates the logic that handles the fan-out: resolve the
// request to concrete device tokens, drop the ones the vendors have declared
// dead, and hand the rest to the engine.
//
// The engine owns retries and vendor backoff, so the processor acks as soon
// as everything is enqueued; only infrastructure failures (registry reads,
// queue saturation) are returned, which nacks the bus message for
// redelivery.
func NewProcessor(
	sender Sender,
	registry push.TokenRegistry,
	suppressor push.Suppressor,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[PushRequest] {

	return func(ctx context.Context, original messagepipeline.Message, request *PushRequest) error {
		procLogger := logger.With("pubsub_msg_id", original.ID)

		// 1. Resolve targets (the lookup). An explicit token bypasses the
		// registry; a recipient URN fans out to their registered devices.
		var targets []push.Device
		if len(request.DeviceToken) > 0 {
			targets = []push.Device{{Vendor: request.Vendor, Token: request.DeviceToken}}
		} else {
			procLogger = procLogger.With("recipient_id", request.Recipient.String())
			devices, err := registry.Devices(ctx, request.Recipient.String())
			if err != nil {
				procLogger.Error("Failed to fetch registered devices", "err", err)
				return err // Retryable
			}
			for _, d := range devices {
				if request.Vendor != "" && d.Vendor != request.Vendor {
					continue
				}
				targets = append(targets, d)
			}
		}

		if len(targets) == 0 {
			procLogger.Info("No registered devices for request; dropping notification.")
			return nil
		}

		// 2. Enqueue per device, skipping suppressed tokens.
		enqueued := 0
		for _, device := range targets {
			if suppressor != nil {
				suppressed, err := suppressor.IsSuppressed(ctx, device.Vendor, device.Token)
				if err != nil {
					// The suppression cache is an optimisation; if it is
					// down we send anyway and let the vendor reject.
					procLogger.Warn("Suppression lookup failed; sending anyway", "err", err)
				} else if suppressed {
					procLogger.Info("Skipping suppressed token",
						"vendor", string(device.Vendor),
						"token", push.TokenKey(device.Token))
					continue
				}
			}

			n := &push.Notification{
				ID:          uuid.New(),
				Vendor:      device.Vendor,
				DeviceToken: device.Token,
				Payload:     request.Payload,
				Priority:    request.Priority,
				Expiry:      request.Expiry,
			}
			receipt, err := sender.Send(n)
			if err != nil {
				if errors.Is(err, push.ErrQueueFull) || errors.Is(err, push.ErrEngineClosed) {
					procLogger.Warn("Dispatch queue saturated; nacking for redelivery",
						"vendor", string(device.Vendor), "err", err)
					return err // Retryable
				}
				// Encode-level rejections (oversize payload, bad field)
				// will not heal on redelivery.
				procLogger.Error("Notification rejected at enqueue",
					"vendor", string(device.Vendor), "err", err)
				continue
			}
			enqueued++
			go logOutcome(procLogger, receipt)
		}

		procLogger.Info("Push request dispatched", "devices", len(targets), "enqueued", enqueued)
		return nil
	}
}

// logOutcome waits for a receipt to settle and records the terminal state.
// Receipts always resolve, even through engine shutdown, so this goroutine
// cannot leak.
func logOutcome(logger *slog.Logger, receipt *push.Receipt) {
	<-receipt.Done()
	outcome, _ := receipt.Outcome()
	if outcome.Status == push.StatusAcked {
		logger.Debug("Notification delivered",
			"notification_id", outcome.NotificationID,
			"attempts", outcome.Attempts)
		return
	}
	logger.Warn("Notification not delivered",
		"notification_id", outcome.NotificationID,
		"status", string(outcome.Status),
		"reason", string(outcome.Reason),
		"attempts", outcome.Attempts)
}
