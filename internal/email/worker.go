package email

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cargoline/logistics-backend/internal/pkg/distlock"
	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

var (
	sentCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "email_sent_total",
		Help: "Messages accepted by a provider.",
	}, []string{"provider"})
	failedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "email_failed_total",
		Help: "Send attempts that failed.",
	}, []string{"provider"})
	expiredCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "email_expired_total",
		Help: "Messages abandoned past their deadline.",
	})
)

// WorkerPoolConfig sizes the pool. RecoveryLock, when set, keeps the
// stuck-claim sweep on a single instance across the fleet.
type WorkerPoolConfig struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	LockTimeout  time.Duration
	RecoveryLock distlock.DistLock
}

// WorkerPool consumes due messages from the store and drives them through
// the provider. Each claim is a CAS to queued, so a message has at most
// one active sender; a job whose message is no longer pending is a no-op.
type WorkerPool struct {
	store        MessageStore
	providers    *ProviderRegistry
	retry        *RetryPolicy
	recoveryLock distlock.DistLock

	workerID     string
	numWorkers   int
	batchSize    int
	pollInterval time.Duration
	lockTimeout  time.Duration

	totalSent   int64
	totalFailed int64
	totalNoop   int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	log *logger.Logger
}

// NewWorkerPool creates a pool. Zero config fields get serviceable
// defaults.
func NewWorkerPool(store MessageStore, providers *ProviderRegistry, retry *RetryPolicy, cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Minute
	}
	return &WorkerPool{
		store:        store,
		providers:    providers,
		retry:        retry,
		recoveryLock: cfg.RecoveryLock,
		workerID:     fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		numWorkers:   cfg.Workers,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		lockTimeout:  cfg.LockTimeout,
		log:          logger.With("worker"),
	}
}

// Start launches the workers and the stuck-claim recovery loop.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	p.log.Info("starting", "workers", p.numWorkers, "batch_size", p.batchSize)

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Add(1)
	go p.recoveryLoop(ctx)
}

// Stop drains the pool.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("stopped",
		"total_sent", atomic.LoadInt64(&p.totalSent),
		"total_failed", atomic.LoadInt64(&p.totalFailed),
		"total_noop", atomic.LoadInt64(&p.totalNoop),
	)
}

// Stats returns lifetime counters.
func (p *WorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":   atomic.LoadInt64(&p.totalSent),
		"total_failed": atomic.LoadInt64(&p.totalFailed),
		"total_noop":   atomic.LoadInt64(&p.totalNoop),
	}
}

func (p *WorkerPool) worker(ctx context.Context, n int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := p.store.ClaimDue(ctx, p.workerID, p.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("claim failed", "worker", n, "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if len(msgs) == 0 {
			sleepCtx(ctx, p.pollInterval)
			continue
		}

		for _, m := range msgs {
			p.process(ctx, m)
		}
	}
}

// recoveryLoop returns messages stuck in queued (workers that died
// mid-send) to pending so another worker can retry them.
func (p *WorkerPool) recoveryLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recoverStuck(ctx)
		}
	}
}

func (p *WorkerPool) recoverStuck(ctx context.Context) {
	if p.recoveryLock != nil {
		ok, err := p.recoveryLock.Acquire(ctx)
		if err != nil {
			p.log.Error("recovery lock acquire failed", "error", err)
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := p.recoveryLock.Release(ctx); err != nil {
				p.log.Warn("recovery lock release failed", "error", err)
			}
		}()
	}

	released, err := p.store.ReleaseStuck(ctx, p.lockTimeout)
	if err != nil {
		p.log.Error("stuck-claim recovery failed", "error", err)
		return
	}
	if released > 0 {
		p.log.Warn("released stuck messages", "count", released)
	}
}

// ExecuteNow claims and sends one message immediately, the urgent inline
// path. A message no longer pending is a no-op.
func (p *WorkerPool) ExecuteNow(ctx context.Context, id uuid.UUID) error {
	claimed, err := p.store.Claim(ctx, id, p.workerID)
	if err != nil {
		return err
	}
	if !claimed {
		atomic.AddInt64(&p.totalNoop, 1)
		return nil
	}

	m, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return p.process(ctx, m)
}

// process runs the send for an already claimed message and records the
// outcome. The message arrives with status queued in the store.
func (p *WorkerPool) process(ctx context.Context, m *Message) error {
	now := time.Now().UTC()

	if m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
		expiredCounter.Inc()
		atomic.AddInt64(&p.totalNoop, 1)
		p.log.Info("message expired before dispatch", "message_id", m.ID.String())
		return p.store.MarkExpired(ctx, m.ID)
	}

	adapter, err := p.providers.Get(m.Provider)
	if err != nil {
		atomic.AddInt64(&p.totalFailed, 1)
		return p.store.MarkUnroutable(ctx, m.ID, err.Error())
	}

	providerMessageID, err := adapter.SendSingle(ctx, m)
	if err != nil {
		atomic.AddInt64(&p.totalFailed, 1)
		failedCounter.WithLabelValues(adapter.Name()).Inc()
		return recordSendFailure(ctx, p.store, p.retry, m, err, now)
	}

	atomic.AddInt64(&p.totalSent, 1)
	sentCounter.WithLabelValues(adapter.Name()).Inc()
	return p.store.MarkSent(ctx, m.ID, providerMessageID, now)
}

// recordSendFailure applies the retry policy after a failed attempt.
// Permanent rejections and exhausted retries land in failed; otherwise
// the message returns to pending with an exponential backoff schedule.
func recordSendFailure(ctx context.Context, store MessageStore, retry *RetryPolicy, m *Message, sendErr error, now time.Time) error {
	attempts := m.Attempts + 1

	if IsPermanent(sendErr) || !retry.ShouldRetry(attempts) {
		return store.MarkFailed(ctx, m.ID, sendErr.Error(), now)
	}

	nextRetryAt := retry.NextRetryAt(now, attempts)
	return store.MarkRetry(ctx, m.ID, sendErr.Error(), now, nextRetryAt)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
