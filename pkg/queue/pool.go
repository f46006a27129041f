// Package queue routes transfer ids to workers. Each named queue has its own
// buffered channel and worker set, so a slow destination never starves the
// others.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mwantia/tantalus/pkg/log"
	"github.com/sourcegraph/conc"
)

var ErrPoolClosed = errors.New("queue pool is closed")

// Dispatcher hands a transfer to whatever executes the named queue.
type Dispatcher interface {
	Enqueue(ctx context.Context, transferID uint, queue string) error
}

// Handler executes one transfer. Returned errors are logged only; the
// handler owns persisting the outcome.
type Handler func(ctx context.Context, transferID uint) error

type PoolConfig struct {
	WorkersPerQueue int
	Buffer          int
}

type Pool struct {
	mutex   sync.Mutex
	cfg     PoolConfig
	handler Handler
	log     log.LoggerService
	queues  map[string]chan uint
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func NewPool(ctx context.Context, cfg PoolConfig, handler Handler, logger log.LoggerService) *Pool {
	if cfg.WorkersPerQueue <= 0 {
		cfg.WorkersPerQueue = 1
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}

	poolCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		cfg:     cfg,
		handler: handler,
		log:     logger.Named("queue"),
		queues:  make(map[string]chan uint),
		ctx:     poolCtx,
		cancel:  cancel,
	}
}

// Enqueue blocks while the queue buffer is full.
func (p *Pool) Enqueue(ctx context.Context, transferID uint, queue string) error {
	ch, err := p.channel(queue)
	if err != nil {
		return err
	}

	select {
	case ch <- transferID:
		p.log.Debug("Enqueued transfer %d on '%s'", transferID, queue)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Queues returns the names of all queues started so far.
func (p *Pool) Queues() []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	names := make([]string, 0, len(p.queues))
	for name := range p.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops all workers after their current transfer and waits for them.
// Ids still buffered are dropped; their transfers remain queued in the store.
func (p *Pool) Close() {
	p.mutex.Lock()
	p.closed = true
	p.mutex.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Pool) channel(queue string) (chan uint, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	if ch, exists := p.queues[queue]; exists {
		return ch, nil
	}

	ch := make(chan uint, p.cfg.Buffer)
	p.queues[queue] = ch
	for i := 0; i < p.cfg.WorkersPerQueue; i++ {
		worker := i
		p.wg.Go(func() {
			p.work(queue, worker, ch)
		})
	}

	p.log.Info("Started %d workers for queue '%s'", p.cfg.WorkersPerQueue, queue)
	return ch, nil
}

func (p *Pool) work(queue string, worker int, ch <-chan uint) {
	logger := p.log.With("queue", queue).With("worker", worker)
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-ch:
			if err := p.handler(p.ctx, id); err != nil {
				logger.Error("Failed transfer %d: %v", id, err)
			}
		}
	}
}
