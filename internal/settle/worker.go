// Package settle drains settlement tasks and submits signed claims through
// chain adapters. Submission is serial per channel so claims land in strict
// nonce order; distinct channels settle in parallel. Settlement latency never
// blocks the packet pipeline.
package settle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/agent-fabric/internal/chainadapter"
	"github.com/agentfabric/agent-fabric/internal/ledger"
)

// Config tunes the worker.
type Config struct {
	SubmitTimeout time.Duration // per-submission deadline
	RetryDelay    time.Duration // pause between retries of one task
	MaxRetries    int           // attempts before the claim goes to the DLQ
}

// Manager fans settlement tasks out to one goroutine per channel.
type Manager struct {
	cfg      Config
	ledger   *ledger.Ledger
	adapters map[string]chainadapter.Adapter
	store    ledger.Store
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[ledger.Key]chan ledger.Task
}

func NewManager(cfg Config, l *ledger.Ledger, adapters []chainadapter.Adapter, store ledger.Store, log *zap.Logger) *Manager {
	byTag := make(map[string]chainadapter.Adapter, len(adapters))
	for _, a := range adapters {
		byTag[a.ChainTag()] = a
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	m := &Manager{
		cfg:      cfg,
		ledger:   l,
		adapters: byTag,
		store:    store,
		log:      log,
		workers:  make(map[ledger.Key]chan ledger.Task),
	}
	// Workers are live from construction: ledger recovery re-enqueues
	// pending settlements before Start runs.
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Start ties the manager's lifetime to ctx.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			m.cancel()
		case <-m.ctx.Done():
		}
	}()
}

// Stop cancels in-flight submissions and waits for the workers to drain.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Enqueue hands a task to the channel's worker without blocking. A full
// worker queue means a settlement for that channel is already pending, so
// the task is dropped; the ledger's pending flag suppresses duplicates
// upstream as well.
func (m *Manager) Enqueue(task ledger.Task) {
	m.mu.Lock()
	ch, ok := m.workers[task.Key]
	if !ok {
		ch = make(chan ledger.Task, 1)
		m.workers[task.Key] = ch
		m.wg.Add(1)
		go m.runWorker(task.Key, ch)
	}
	m.mu.Unlock()

	select {
	case ch <- task:
	default:
		m.log.Debug("settlement already queued", zap.String("channel", task.Key.String()))
	}
}

func (m *Manager) runWorker(key ledger.Key, tasks <-chan ledger.Task) {
	defer m.wg.Done()
	m.log.Debug("settlement worker started", zap.String("channel", key.String()))
	for {
		select {
		case <-m.ctx.Done():
			return
		case task := <-tasks:
			m.settle(task.Key)
		}
	}
}

func (m *Manager) settle(key ledger.Key) {
	adapter, ok := m.adapters[key.ChainTag]
	if !ok {
		m.log.Error("no chain adapter", zap.String("chain", key.ChainTag))
		m.ledger.OnSettlementFailed(m.ctx, key)
		return
	}

	c, err := m.ledger.SignOutgoingClaim(m.ctx, key)
	if err != nil {
		m.log.Error("sign settlement claim", zap.String("channel", key.String()), zap.Error(err))
		m.ledger.OnSettlementFailed(m.ctx, key)
		return
	}

	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		submitCtx, cancel := context.WithTimeout(m.ctx, m.cfg.SubmitTimeout)
		status, err := adapter.SubmitClaim(submitCtx, c)
		cancel()

		switch {
		case err == nil && status == chainadapter.StatusOK,
			err == nil && status == chainadapter.StatusAlreadyApplied:
			// AlreadyApplied means the chain caught up via an earlier
			// submission of this nonce; both count as settled.
			if err := m.ledger.OnSettlementSucceeded(m.ctx, key, c.Amount, c.Nonce); err != nil {
				m.log.Error("apply settlement", zap.String("channel", key.String()), zap.Error(err))
			}
			m.log.Info("claim settled",
				zap.String("channel", key.String()),
				zap.String("amount", c.Amount.String()),
				zap.Uint64("nonce", c.Nonce),
				zap.String("status", status.String()),
			)
			return
		default:
			m.log.Warn("claim submission failed",
				zap.String("channel", key.String()),
				zap.Int("attempt", attempt),
				zap.String("status", status.String()),
				zap.Error(err),
			)
			if m.ctx.Err() != nil {
				return
			}
			if attempt < m.cfg.MaxRetries {
				select {
				case <-time.After(m.cfg.RetryDelay):
				case <-m.ctx.Done():
					return
				}
			}
		}
	}

	// Retries exhausted: park the claim for operator inspection and clear
	// the pending flag so the next threshold crossing can retry.
	if err := m.store.PushDeadLetter(m.ctx, key, c); err != nil {
		m.log.Error("dead-letter claim", zap.String("channel", key.String()), zap.Error(err))
	}
	m.ledger.OnSettlementFailed(m.ctx, key)
}
