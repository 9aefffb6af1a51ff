package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/observability"
	"github.com/cveti/loyalty-bot/internal/service"
	"go.uber.org/zap"
)

// Processor is implemented by *service.WebhookService.
type Processor interface {
	Process(ctx context.Context, ev service.PaymentEvent) error
}

// WebhookPool runs accepted payment webhooks on a fixed set of workers fed
// by a bounded queue.
type WebhookPool struct {
	processor  Processor
	workers    int
	queue      chan service.PaymentEvent
	jobTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewWebhookPool(processor Processor, workers, queueSize int) *WebhookPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &WebhookPool{
		processor:  processor,
		workers:    workers,
		queue:      make(chan service.PaymentEvent, queueSize),
		jobTimeout: time.Minute,
	}
}

// WithJobTimeout bounds a single event's processing time.
func (p *WebhookPool) WithJobTimeout(d time.Duration) *WebhookPool {
	if d > 0 {
		p.jobTimeout = d
	}
	return p
}

// Start launches the workers.
func (p *WebhookPool) Start(ctx context.Context) {
	zap.L().Info("webhook pool starting", zap.Int("workers", p.workers), zap.Int("queue", cap(p.queue)))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop closes the queue and waits for queued events to finish.
func (p *WebhookPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
	zap.L().Info("webhook pool stopped")
}

// Enqueue never blocks: a full or stopped pool returns domain.ErrQueueFull.
func (p *WebhookPool) Enqueue(ev service.PaymentEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("%w: pool stopped", domain.ErrQueueFull)
	}
	select {
	case p.queue <- ev:
		observability.SetWebhookQueueDepth(len(p.queue))
		return nil
	default:
		observability.IncrementWebhookEvent("queue_full")
		return domain.ErrQueueFull
	}
}

func (p *WebhookPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	zap.L().Debug("webhook worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-ctx.Done():
			zap.L().Debug("webhook worker stopping", zap.Int("worker_id", id))
			return
		case ev, ok := <-p.queue:
			if !ok {
				return
			}
			observability.SetWebhookQueueDepth(len(p.queue))
			p.process(ctx, ev)
		}
	}
}

func (p *WebhookPool) process(ctx context.Context, ev service.PaymentEvent) {
	defer func() {
		if r := recover(); r != nil {
			observability.IncrementWorkerRun("webhook", "panic")
			zap.L().Error("webhook job panicked", zap.String("webhook_id", ev.WebhookID), zap.Any("panic", r))
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	if err := p.processor.Process(jobCtx, ev); err != nil {
		observability.IncrementWorkerRun("webhook", "failed")
		return
	}
	observability.IncrementWorkerRun("webhook", "success")
}
