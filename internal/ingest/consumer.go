// Package ingest feeds envelopes from the partitioned rule-engine topic into the
// engine. Each partition has one worker that submits records in offset order and
// commits an offset only once every record up to it has been acknowledged. The
// fetch loop hands records to per-partition backlogs, so a partition with a full
// window never holds back the others.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"ruleengine/internal/actor"
	"ruleengine/internal/broker"
	"ruleengine/internal/config"
	"ruleengine/internal/constants"
	"ruleengine/internal/engine"
	"ruleengine/internal/logger"
	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/logging"
	"ruleengine/pkg/metrics"
	"ruleengine/pkg/models"
	"ruleengine/pkg/tracing"
)

const (
	DefaultMaxInFlight       = 256
	DefaultMaxBuffered       = 4096
	DefaultProcessingTimeout = 5 * time.Minute

	maxSweepInterval = time.Second
)

// Submitter is the part of the engine the consumer drives.
type Submitter interface {
	Submit(env models.Envelope, ack engine.AckFunc)
}

type Options struct {
	Topic    string
	DLQTopic string
	// MaxInFlight bounds unacknowledged records per partition.
	MaxInFlight int
	// MaxBuffered bounds fetched records waiting for a window slot, across all partitions.
	MaxBuffered       int
	ProcessingTimeout time.Duration
	DLQEnabled        bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Topic:             constants.Topic(cfg.Service.Tier, constants.TopicRuleEngine),
		DLQTopic:          constants.Topic(cfg.Service.Tier, constants.TopicDeadLetter),
		MaxInFlight:       cfg.Ingest.MaxInFlight,
		MaxBuffered:       cfg.Ingest.MaxBuffered,
		ProcessingTimeout: cfg.Ingest.ProcessingTimeout,
		DLQEnabled:        cfg.Ingest.DLQEnabled,
	}
}

type Consumer struct {
	source    broker.Source
	submitter Submitter
	dlq       broker.Producer
	opts      Options
	logger    logger.Logger
	buffered  *semaphore.Weighted

	mu      sync.Mutex
	workers map[int]*partitionWorker
}

func NewConsumer(source broker.Source, submitter Submitter, dlq broker.Producer, opts Options, log logger.Logger) (*Consumer, error) {
	if source == nil {
		return nil, fmt.Errorf("ingest source is required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("ingest submitter is required")
	}
	if opts.DLQEnabled && dlq == nil {
		return nil, fmt.Errorf("dead letter producer is required when DLQ is enabled")
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = DefaultMaxBuffered
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = DefaultProcessingTimeout
	}
	if log == nil {
		log = logger.NopLogger()
	}

	return &Consumer{
		source:    source,
		submitter: submitter,
		dlq:       dlq,
		opts:      opts,
		logger:    log,
		buffered:  semaphore.NewWeighted(int64(opts.MaxBuffered)),
		workers:   make(map[int]*partitionWorker),
	}, nil
}

// Run fetches until ctx is cancelled or the source is closed. Records that were
// submitted but not acknowledged are left uncommitted and are redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	// Workers stop with the fetch loop; their pending records stay uncommitted.
	wctx, cancel := context.WithCancel(gctx)

	c.logger.Infow("Ingest consumer started",
		"topic", c.opts.Topic,
		"max_in_flight", c.opts.MaxInFlight,
		"max_buffered", c.opts.MaxBuffered,
		"processing_timeout", c.opts.ProcessingTimeout,
		"dlq_enabled", c.opts.DLQEnabled,
	)

	g.Go(func() error {
		defer cancel()
		for {
			msg, err := c.source.Fetch(wctx)
			if err != nil {
				if wctx.Err() != nil || errors.Is(err, broker.ErrBrokerClosed) || errors.Is(err, io.EOF) {
					return nil
				}
				c.logger.Errorw("Failed to fetch record", "topic", c.opts.Topic, "error", err)
				select {
				case <-wctx.Done():
					return nil
				case <-time.After(time.Second):
				}
				continue
			}

			// Blocks only when every partition's backlog together reaches MaxBuffered.
			if err := c.buffered.Acquire(wctx, 1); err != nil {
				return nil
			}
			if !c.worker(wctx, g, msg.Partition).backlog.Post(msg) {
				c.buffered.Release(1)
			}
		}
	})

	err := g.Wait()
	c.logger.Infow("Ingest consumer stopped", "topic", c.opts.Topic)
	return err
}

// PartitionStats is the intake state of one partition.
type PartitionStats struct {
	// InFlight records were submitted and are not acknowledged yet.
	InFlight int `json:"in_flight"`
	// Buffered records were fetched and wait for a window slot.
	Buffered int `json:"buffered"`
}

// Pending returns the intake state per partition.
func (c *Consumer) Pending() map[int]PartitionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[int]PartitionStats, len(c.workers))
	for p, w := range c.workers {
		out[p] = w.stats()
	}
	return out
}

func (c *Consumer) worker(ctx context.Context, g *errgroup.Group, partition int) *partitionWorker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.workers[partition]; ok {
		return w
	}
	w := newPartitionWorker(c, partition)
	c.workers[partition] = w
	g.Go(func() error {
		return w.run(ctx)
	})
	return w
}

func (c *Consumer) deadLetter(ctx context.Context, msg broker.Message, outcome engine.Outcome) {
	if !c.opts.DLQEnabled || outcome.Status == engine.StatusCompleted {
		return
	}

	headers := map[string]string{
		"dlq_status":           outcome.Status.String(),
		"dlq_error_code":       apperrors.CodeOf(outcome.Err),
		"dlq_source_topic":     msg.Topic,
		"dlq_source_partition": strconv.Itoa(msg.Partition),
		"dlq_source_offset":    strconv.FormatInt(msg.Offset, 10),
	}
	if outcome.Err != nil {
		headers["dlq_error"] = outcome.Err.Error()
	}

	if err := c.dlq.Publish(ctx, c.opts.DLQTopic, msg.Key, msg.Value, headers); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to publish to DLQ",
			"dlq_topic", c.opts.DLQTopic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return
	}
	metrics.DLQMessagesTotal.WithLabelValues(constants.ServiceName, c.opts.DLQTopic, outcome.Status.String()).Inc()
}

type ackMsg struct {
	offset  int64
	outcome engine.Outcome
}

type pendingRecord struct {
	msg      broker.Message
	deadline time.Time
	done     bool
}

// partitionWorker owns the pending window of one partition. Only its goroutine
// touches pending and waiting; records and acks arrive through mailboxes.
type partitionWorker struct {
	c         *Consumer
	partition int
	backlog   *actor.Mailbox[broker.Message]
	acks      *actor.Mailbox[ackMsg]

	waiting  []broker.Message
	pending  []*pendingRecord
	byOffset map[int64]*pendingRecord

	countMu  sync.Mutex
	count    int
	buffered int
}

func newPartitionWorker(c *Consumer, partition int) *partitionWorker {
	return &partitionWorker{
		c:         c,
		partition: partition,
		backlog:   actor.NewMailbox[broker.Message](),
		acks:      actor.NewMailbox[ackMsg](),
		byOffset:  make(map[int64]*pendingRecord),
	}
}

func (w *partitionWorker) stats() PartitionStats {
	w.countMu.Lock()
	defer w.countMu.Unlock()
	return PartitionStats{InFlight: w.count, Buffered: w.buffered + w.backlog.Len()}
}

func (w *partitionWorker) setPending(n int) {
	w.countMu.Lock()
	w.count = n
	w.buffered = len(w.waiting)
	w.countMu.Unlock()
	metrics.SetPendingMessages(w.partition, n)
}

func (w *partitionWorker) run(ctx context.Context) error {
	defer w.acks.Close()
	defer func() {
		w.c.buffered.Release(int64(len(w.waiting) + len(w.backlog.Close())))
	}()

	sweep := w.c.opts.ProcessingTimeout / 2
	if sweep > maxSweepInterval {
		sweep = maxSweepInterval
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := len(w.byOffset) + len(w.waiting); n > 0 {
				w.c.logger.Infow("Leaving unacknowledged records for redelivery",
					"partition", w.partition,
					"pending", len(w.byOffset),
					"buffered", len(w.waiting),
				)
			}
			return nil
		case <-w.backlog.Ready():
			w.waiting = append(w.waiting, w.backlog.Drain()...)
			w.setPending(len(w.byOffset))
		case <-w.acks.Ready():
			for _, a := range w.acks.Drain() {
				w.complete(ctx, a.offset, a.outcome)
			}
		case now := <-ticker.C:
			w.expire(ctx, now)
		}
		w.admit(ctx)
		w.commit(ctx)
	}
}

// admit submits waiting records in offset order while the window has room.
func (w *partitionWorker) admit(ctx context.Context) {
	n := 0
	for n < len(w.waiting) && len(w.byOffset) < w.c.opts.MaxInFlight {
		msg := w.waiting[n]
		w.waiting[n] = broker.Message{}
		n++
		w.submit(ctx, msg)
	}
	if n > 0 {
		w.waiting = w.waiting[n:]
		w.setPending(len(w.byOffset))
		w.c.buffered.Release(int64(n))
	}
}

func (w *partitionWorker) submit(ctx context.Context, msg broker.Message) {
	rec := &pendingRecord{msg: msg, deadline: time.Now().Add(w.c.opts.ProcessingTimeout)}
	w.pending = append(w.pending, rec)
	w.byOffset[msg.Offset] = rec
	w.setPending(len(w.byOffset))

	spanCtx, span := tracing.StartConsumeSpan(ctx, msg.Topic, msg.Partition, msg.Offset, msg.Headers)
	defer span.End()

	env, err := models.DecodeEnvelope(msg.Value)
	if err != nil {
		metrics.IngestDecodeErrorsTotal.Inc()
		w.c.logger.WarnwCtx(spanCtx, "Dropping undecodable record",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		w.complete(ctx, msg.Offset, engine.Outcome{
			Status: engine.StatusDropped,
			Err:    apperrors.ErrValidation.WithCause(err),
		})
		return
	}

	offset := msg.Offset
	acks := w.acks
	w.c.submitter.Submit(env, func(o engine.Outcome) {
		acks.Post(ackMsg{offset: offset, outcome: o})
	})
}

func (w *partitionWorker) complete(ctx context.Context, offset int64, outcome engine.Outcome) {
	rec, ok := w.byOffset[offset]
	if !ok || rec.done {
		return
	}
	rec.done = true
	delete(w.byOffset, offset)
	w.setPending(len(w.byOffset))

	if outcome.Status != engine.StatusCompleted {
		logCtx := ctx
		if !outcome.Envelope.IsZero() {
			logCtx = logging.WithMessageID(logCtx, outcome.Envelope.ID())
			logCtx = logging.WithTenantID(logCtx, outcome.Envelope.TenantID().String())
		}
		fields := []interface{}{
			"status", outcome.Status.String(),
			"error_code", apperrors.CodeOf(outcome.Err),
			"partition", w.partition,
			"offset", offset,
			"error", outcome.Err,
		}
		if apperrors.IsRateLimited(outcome.Err) || apperrors.IsCircuitOpen(outcome.Err) {
			w.c.logger.DebugwCtx(logCtx, "Envelope rejected", fields...)
		} else {
			w.c.logger.WarnwCtx(logCtx, "Envelope not completed", fields...)
		}
	}
	w.c.deadLetter(ctx, rec.msg, outcome)
}

// expire fails records that were not acknowledged within the processing timeout
// so one stuck envelope cannot hold back the partition's commits.
func (w *partitionWorker) expire(ctx context.Context, now time.Time) {
	for _, rec := range w.pending {
		if rec.done || now.Before(rec.deadline) {
			continue
		}
		w.complete(ctx, rec.msg.Offset, engine.Outcome{
			Status: engine.StatusFailed,
			Err: apperrors.ErrTimeout.WithMessage(
				fmt.Sprintf("envelope not acknowledged within %s", w.c.opts.ProcessingTimeout)),
		})
	}
}

// commit advances the committed offset over the acknowledged prefix.
func (w *partitionWorker) commit(ctx context.Context) {
	n := 0
	for n < len(w.pending) && w.pending[n].done {
		n++
	}
	if n == 0 {
		return
	}

	last := w.pending[n-1].msg
	if err := w.c.source.Commit(ctx, last); err != nil {
		if ctx.Err() == nil {
			w.c.logger.Errorw("Failed to commit offset",
				"partition", w.partition,
				"offset", last.Offset,
				"error", err,
			)
		}
		return
	}
	metrics.SetCommittedOffset(w.partition, last.Offset+1)

	w.pending = append(w.pending[:0], w.pending[n:]...)
}
