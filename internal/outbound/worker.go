// Package outbound implements the delivery worker that consumes the
// outbound stream as a named consumer-group member and fans engine
// messages out to end users through the gateway's delivery CLI.
//
// # Delivery semantics
//
// Delivery is at-least-once: an entry is acknowledged only after every
// chunk of it has been delivered, so a crash or a CLI failure leaves the
// entry pending and the broker redelivers it. An entry that has been
// delivered more than the cap is dead-lettered — acknowledged and dropped
// with an ERROR log (and a best-effort archive write) — so one poison
// entry cannot stall the consumer forever.
//
// # Resilience
//
// The worker never exits on error. The inner read loop logs failures and
// retries after a short jittered delay; the outer loop restarts the inner
// loop with jittered exponential backoff, including after a panic. All
// retry delays carry (0.5 + rand·0.5) jitter so multiple instances do not
// hammer a recovering broker in lock-step.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clawdbot/redis-bridge/internal/broker"
	"github.com/clawdbot/redis-bridge/internal/deadletter"
	"github.com/clawdbot/redis-bridge/internal/gateway"
	"github.com/clawdbot/redis-bridge/internal/metrics"
	"github.com/clawdbot/redis-bridge/internal/publisher"
	"github.com/clawdbot/redis-bridge/internal/splitter"
)

const (
	// readCount and readBlock shape one XREADGROUP call.
	readCount = 10
	readBlock = 5 * time.Second

	// innerRetryDelay is the base delay after an inner read error.
	innerRetryDelay = 3 * time.Second

	// backoffInitial and backoffMax bound the outer restart backoff.
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second

	// deadLetterCap is the delivery count above which an entry is dropped.
	deadLetterCap = 5
)

// Worker consumes the outbound stream and delivers each entry through the
// gateway CLI. Create one with New; call Start, and Stop on shutdown.
type Worker struct {
	sup      *broker.Supervisor
	group    string
	consumer string
	runner   gateway.Runner
	pub      *publisher.Publisher
	archive  *deadletter.Archive // nil disables archiving
	logger   *slog.Logger
	metrics  *metrics.Metrics

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	// pendingCount is the pending-list inspection, injectable for tests.
	pendingCount func(ctx context.Context, id string) int64
}

// New creates a Worker. pub and archive may be disabled (nil archive, or a
// publisher with no endpoint); m may be nil, in which case fresh metrics
// are allocated.
func New(sup *broker.Supervisor, group, consumer string, runner gateway.Runner, pub *publisher.Publisher, archive *deadletter.Archive, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if m == nil {
		m = metrics.New()
	}
	w := &Worker{
		sup:      sup,
		group:    group,
		consumer: consumer,
		runner:   runner,
		pub:      pub,
		archive:  archive,
		logger:   logger,
		metrics:  m,
		done:     make(chan struct{}),
	}
	w.pendingCount = w.inspectPending
	return w
}

// Start creates the consumer group (tolerating one that already exists)
// and launches the poll loop. Any other group-creation error aborts the
// start.
func (w *Worker) Start(ctx context.Context) error {
	err := w.sup.Client().XGroupCreateMkStream(ctx, broker.StreamOutbound, w.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("outbound: create consumer group %q: %w", w.group, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running.Store(true)

	w.logger.Info("outbound: worker starting",
		slog.String("stream", broker.StreamOutbound),
		slog.String("group", w.group),
		slog.String("consumer", w.consumer),
	)
	go w.run(runCtx)
	return nil
}

// Stop clears the running flag, cancels the poll loop's context, and waits
// for the loop to exit. The wait is bounded by the 5 second read block.
func (w *Worker) Stop() {
	if !w.running.Swap(false) {
		return
	}
	w.cancel()
	<-w.done
	w.logger.Info("outbound: worker stopped")
}

// run is the outer resilient loop: it restarts the inner poll loop with
// jittered exponential backoff whenever it terminates unexpectedly.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	delay := backoffInitial
	for w.running.Load() && ctx.Err() == nil {
		err := w.poll(ctx)
		if !w.running.Load() || ctx.Err() != nil {
			return
		}

		// The inner loop only returns early on a panic or some other
		// unexpected termination; back off before restarting it.
		if err != nil {
			w.logger.Error("outbound: poll loop crashed, restarting",
				slog.String("error", err.Error()),
				slog.Duration("backoff", delay),
			)
		} else {
			w.logger.Warn("outbound: poll loop exited unexpectedly, restarting",
				slog.Duration("backoff", delay),
			)
		}
		if !w.sleep(ctx, jitter(delay)) {
			return
		}
		delay = nextDelay(delay, backoffMax)
	}
}

// poll is the inner loop: blocking consumer-group reads, one processEntry
// per delivered entry. Read errors are logged and retried after a jittered
// delay; a panic is converted into an error for the outer loop.
func (w *Worker) poll(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("outbound: poll panic: %v", r)
		}
	}()

	for w.running.Load() && ctx.Err() == nil {
		streams, readErr := w.sup.Blocking().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.group,
			Consumer: w.consumer,
			Streams:  []string{broker.StreamOutbound, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()

		if readErr == redis.Nil {
			// Block elapsed with no new entries.
			continue
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("outbound: read failed",
				slog.String("error", readErr.Error()),
			)
			if !w.sleep(ctx, jitter(innerRetryDelay)) {
				return nil
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if !w.running.Load() || ctx.Err() != nil {
					return nil
				}
				w.processEntry(ctx, msg)
			}
		}
	}
	return nil
}

// processEntry handles one stream entry end to end: validation,
// dead-letter check, oversize publish, chunked delivery, acknowledgement.
// On a delivery error the entry is deliberately left unacknowledged so the
// broker redelivers it.
func (w *Worker) processEntry(ctx context.Context, msg redis.XMessage) {
	w.metrics.OutboundEntries.Add(1)
	rec := flatten(msg.Values)

	if rec["message"] == "" || rec["to"] == "" || rec["channel"] == "" {
		w.logger.Warn("outbound: dropping malformed entry",
			slog.String("id", msg.ID),
			slog.Any("fields", fieldNames(rec)),
		)
		w.metrics.OutboundMalformed.Add(1)
		w.ack(ctx, msg.ID)
		return
	}

	if deliveries := w.pendingCount(ctx, msg.ID); deliveries > deadLetterCap {
		w.logger.Error("outbound: Dead-lettering entry after repeated delivery failures",
			slog.String("id", msg.ID),
			slog.Int64("deliveries", deliveries),
			slog.String("channel", rec["channel"]),
			slog.String("to", rec["to"]),
		)
		w.archiveEntry(ctx, msg.ID, rec, deliveries)
		w.metrics.OutboundDeadLetters.Add(1)
		w.ack(ctx, msg.ID)
		return
	}

	text := w.maybePublish(ctx, rec["message"])

	for _, chunk := range splitter.Split(text, splitter.MaxMessageLen) {
		if err := w.runner.Send(ctx, rec["channel"], rec["to"], chunk, rec["accountId"]); err != nil {
			w.logger.Error("outbound: delivery failed, leaving entry for redelivery",
				slog.String("id", msg.ID),
				slog.String("channel", rec["channel"]),
				slog.String("to", rec["to"]),
				slog.String("error", err.Error()),
			)
			w.metrics.OutboundErrors.Add(1)
			return
		}
		w.metrics.OutboundChunks.Add(1)
	}

	w.ack(ctx, msg.ID)
}

// maybePublish replaces an oversize message by a published summary when a
// publisher is configured. Any publish failure falls back to the original
// text.
func (w *Worker) maybePublish(ctx context.Context, text string) string {
	if !w.pub.Enabled() || len([]rune(text)) <= splitter.PublishThreshold {
		return text
	}

	title := splitter.Title(text)
	preview := splitter.Preview(text)
	url, err := w.pub.Publish(ctx, title, text, preview)
	if err != nil {
		w.logger.Warn("outbound: publish failed, falling back to chunked delivery",
			slog.String("error", err.Error()),
		)
		w.metrics.PublishFallbacks.Add(1)
		return text
	}
	w.metrics.Publishes.Add(1)
	return splitter.Summary(title, preview, url)
}

// inspectPending retrieves the delivery count for one pending entry. It is
// best-effort: any inspection error yields 0 so the worker proceeds to
// delivery.
func (w *Worker) inspectPending(ctx context.Context, id string) int64 {
	res, err := w.sup.Client().XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: broker.StreamOutbound,
		Group:  w.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		w.logger.Debug("outbound: pending inspection failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return 0
	}
	if len(res) == 0 {
		return 0
	}
	return res[0].RetryCount
}

// archiveEntry writes a dead-lettered entry to the local archive,
// best-effort.
func (w *Worker) archiveEntry(ctx context.Context, id string, rec map[string]string, deliveries int64) {
	if w.archive == nil {
		return
	}
	err := w.archive.Archive(ctx, deadletter.Entry{
		StreamID:   id,
		Agent:      rec["agent"],
		Channel:    rec["channel"],
		Target:     rec["to"],
		AccountID:  rec["accountId"],
		Message:    rec["message"],
		Deliveries: deliveries,
	})
	if err != nil {
		w.logger.Warn("outbound: dead-letter archive failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}

// ack acknowledges one entry, logging failures. An ack failure means the
// entry will be seen again; processEntry's dead-letter cap bounds that.
func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.sup.Client().XAck(ctx, broker.StreamOutbound, w.group, id).Err(); err != nil {
		w.logger.Warn("outbound: ack failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	w.metrics.OutboundAcks.Add(1)
}

// sleep waits for d or until ctx is cancelled; it returns false on
// cancellation.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// jitter scales d by (0.5 + rand·0.5).
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
}

// nextDelay doubles the backoff up to max.
func nextDelay(current, max time.Duration) time.Duration {
	if current <= 0 {
		return max
	}
	next := current * 2
	if next <= 0 || next > max {
		return max
	}
	return next
}

// flatten converts the stream entry's field/value pairs into a string map.
// Non-string values (go-redis surfaces everything as strings, but the type
// is any) are formatted.
func flatten(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			out[k] = s
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// fieldNames lists the keys present in a record for log output.
func fieldNames(rec map[string]string) []string {
	names := make([]string, 0, len(rec))
	for k := range rec {
		names = append(names, k)
	}
	return names
}
