package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mwantia/fabric/pkg/container"
	config "github.com/mwantia/tantalus/internal/config/server"
	"github.com/mwantia/tantalus/pkg/db/store"
	"github.com/mwantia/tantalus/pkg/log"
	"github.com/mwantia/tantalus/pkg/queue"
)

type TantalusAgent struct {
	mutex sync.RWMutex
	wait  sync.WaitGroup

	cfg      *config.BaseServerConfig
	sc       *container.ServiceContainer
	log      log.LoggerService
	services *Services
	pool     *queue.Pool
}

func NewAgent(cfg *config.BaseServerConfig) *TantalusAgent {
	return &TantalusAgent{
		cfg: cfg,
		sc:  container.NewServiceContainer(),
		log: log.NewLoggerService("tantalus", cfg.Log),
	}
}

func (ta *TantalusAgent) setupServices(ctx context.Context) error {
	s, err := OpenStore(ctx, ta.cfg)
	if err != nil {
		return err
	}

	services, err := NewServices(ta.cfg, s, ta.log)
	if err != nil {
		_ = s.Close()
		return err
	}
	ta.services = services

	errs := container.Errors{}

	ta.log.Debug("Registering 'LoggerService'...")
	errs.Add(container.Register[log.LoggerServiceImpl](ta.sc,
		container.With[log.LoggerService](),
		container.WithInstance(ta.log)))

	ta.log.Debug("Registering 'MetadataStore'...")
	errs.Add(container.Register[store.SQLiteStore](ta.sc,
		container.With[store.MetadataStore](),
		container.WithInstance(s)))

	return errs.Errors()
}

// Serve runs the transfer workers until ctx is cancelled or the process
// receives an interrupt.
func (ta *TantalusAgent) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ta.mutex.Lock()

	if err := ta.setupServices(ctx); err != nil {
		ta.mutex.Unlock()
		return err
	}

	if _, err := ta.services.Orchestrator.Recover(ctx); err != nil {
		ta.mutex.Unlock()
		return err
	}
	pending, err := ta.services.Orchestrator.Requeue(ctx)
	if err != nil {
		ta.mutex.Unlock()
		return fmt.Errorf("unable to requeue pending transfers: %w", err)
	}

	_, _, relayInterval := ta.cfg.Transfer.Durations()

	ta.pool = queue.NewPool(ctx, queue.PoolConfig{
		WorkersPerQueue: ta.cfg.Transfer.WorkersPerQueue,
		Buffer:          ta.cfg.Transfer.QueueBuffer,
	}, ta.services.Runner.Run, ta.log)

	ta.wait.Add(1)
	go func() {
		defer ta.wait.Done()
		if err := ta.services.Outbox.Relay(ctx, ta.pool, relayInterval, ta.cfg.Transfer.RelayBatch); err != nil {
			ta.log.Error("Outbox relay stopped: %v", err)
		}
	}()

	ta.log.Info("Agent started with %d pending transfers", pending)

	ta.mutex.Unlock()
	<-ctx.Done()

	ta.log.Info("Shutting down...")

	timeout, err := time.ParseDuration(ta.cfg.ShutdownTimeout)
	if err != nil {
		timeout = 60 * time.Second
	}

	shutdown, cancelShutdown := context.WithTimeout(context.Background(), timeout)
	defer cancelShutdown()

	stopped := make(chan struct{})
	go func() {
		ta.pool.Close()
		ta.wait.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-shutdown.Done():
		ta.log.Warn("Workers did not stop within %s", timeout)
	}

	if err := ta.sc.Cleanup(shutdown); err != nil {
		return fmt.Errorf("failed to complete service container cleanup: %w", err)
	}

	return ta.services.Close()
}
