package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"message-pipeline/internal/domain"
)

const (
	DefaultMaxOutstanding = 100
	DefaultConcurrency    = 10
	defaultReceiveBatch   = 10
	defaultErrorBackoff   = time.Second
)

// Source is a queue subscription with explicit acknowledgement.
type Source interface {
	Receive(ctx context.Context, max int) ([]domain.Delivery, error)
	Ack(ctx context.Context, d domain.Delivery) error
	Nack(ctx context.Context, d domain.Delivery) error
}

// Processor handles one delivery. A nil error acks it.
type Processor interface {
	Process(ctx context.Context, d domain.Delivery) error
}

type Config struct {
	// MaxOutstanding bounds deliveries received but not yet acked or nacked.
	MaxOutstanding int
	// Concurrency is the number of deliveries processed at once.
	Concurrency  int
	ReceiveBatch int
	ErrorBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = DefaultMaxOutstanding
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ReceiveBatch <= 0 {
		c.ReceiveBatch = defaultReceiveBatch
	}
	if c.ReceiveBatch > c.MaxOutstanding {
		c.ReceiveBatch = c.MaxOutstanding
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultErrorBackoff
	}
	return c
}

// Consumer pulls deliveries from a Source and processes them on a fixed pool
// of workers.
type Consumer struct {
	source    Source
	processor Processor
	cfg       Config
	logger    *slog.Logger
	slots     chan struct{}
}

func New(source Source, processor Processor, cfg Config, logger *slog.Logger) (*Consumer, error) {
	if source == nil {
		return nil, errors.New("worker: source must not be nil")
	}
	if processor == nil {
		return nil, errors.New("worker: processor must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Consumer{
		source:    source,
		processor: processor,
		cfg:       cfg,
		logger:    logger.With("component", "consumer"),
		slots:     make(chan struct{}, cfg.MaxOutstanding),
	}, nil
}

// Outstanding is the number of deliveries currently held by the consumer.
func (c *Consumer) Outstanding() int {
	return len(c.slots)
}

// Run consumes until ctx is cancelled. In-flight deliveries are finished and
// anything still buffered is nacked before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries := make(chan domain.Delivery, c.cfg.MaxOutstanding)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(deliveries)
		c.receive(gctx, deliveries)
		return nil
	})
	for i := 0; i < c.cfg.Concurrency; i++ {
		g.Go(func() error {
			c.work(gctx, deliveries)
			return nil
		})
	}

	c.logger.Info("consumer started", "concurrency", c.cfg.Concurrency, "max_outstanding", c.cfg.MaxOutstanding)
	err := g.Wait()
	c.logger.Info("consumer stopped")
	return err
}

func (c *Consumer) receive(ctx context.Context, out chan<- domain.Delivery) {
	for {
		n, ok := c.reserve(ctx)
		if !ok {
			return
		}

		batch, err := c.source.Receive(ctx, n)
		if err != nil {
			c.release(n)
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("receive failed", "err", err)
			if !sleep(ctx, c.cfg.ErrorBackoff) {
				return
			}
			continue
		}
		if len(batch) > n {
			// Never hold more than reserved; the surplus becomes visible again.
			for _, d := range batch[n:] {
				c.settle(ctx, d, c.source.Nack, "nack")
			}
			batch = batch[:n]
		}
		c.release(n - len(batch))
		for _, d := range batch {
			out <- d
		}
	}
}

// reserve blocks for one flow-control slot, then takes as many more as are
// free up to the receive batch size.
func (c *Consumer) reserve(ctx context.Context) (int, bool) {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return 0, false
	}
	n := 1
	for n < c.cfg.ReceiveBatch {
		select {
		case c.slots <- struct{}{}:
			n++
		default:
			return n, true
		}
	}
	return n, true
}

func (c *Consumer) release(n int) {
	for i := 0; i < n; i++ {
		<-c.slots
	}
}

func (c *Consumer) work(ctx context.Context, in <-chan domain.Delivery) {
	for d := range in {
		if ctx.Err() != nil {
			c.settle(ctx, d, c.source.Nack, "nack")
			c.release(1)
			continue
		}
		c.handle(ctx, d)
		c.release(1)
	}
}

func (c *Consumer) handle(ctx context.Context, d domain.Delivery) {
	log := c.logger.With("delivery_id", d.ID, "attempt", d.Attempt)
	// The in-flight delivery is finished even if shutdown starts meanwhile.
	if err := c.processor.Process(context.WithoutCancel(ctx), d); err != nil {
		log.Warn("processing failed, nacking delivery", "err", err)
		c.settle(ctx, d, c.source.Nack, "nack")
		return
	}
	c.settle(ctx, d, c.source.Ack, "ack")
}

func (c *Consumer) settle(ctx context.Context, d domain.Delivery, fn func(context.Context, domain.Delivery) error, op string) {
	if err := fn(context.WithoutCancel(ctx), d); err != nil {
		c.logger.Error("failed to settle delivery", "op", op, "delivery_id", d.ID, "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
