// Package transfer executes file transfers: claim, copy to a staged name,
// verify, commit and record the outcome.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mwantia/tantalus/pkg/db/models"
	"github.com/mwantia/tantalus/pkg/db/store"
	"github.com/mwantia/tantalus/pkg/errdefs"
	"github.com/mwantia/tantalus/pkg/log"
	"github.com/mwantia/tantalus/pkg/registry"
	"github.com/mwantia/tantalus/pkg/storage"
	"github.com/mwantia/tantalus/pkg/verify"
)

type Config struct {
	Retry RetryPolicy
	// VerifySource re-hashes the source before copying. Size is always checked.
	VerifySource bool
}

type Runner struct {
	store    store.MetadataStore
	resolver storage.Resolver
	registry *registry.Registry
	verifier *verify.Service
	cfg      Config
	log      log.LoggerService
}

func NewRunner(s store.MetadataStore, resolver storage.Resolver, reg *registry.Registry, verifier *verify.Service, cfg Config, logger log.LoggerService) *Runner {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Runner{
		store:    s,
		resolver: resolver,
		registry: reg,
		verifier: verifier,
		cfg:      cfg,
		log:      logger.Named("transfer"),
	}
}

// Run executes the queued transfer with the given id. Transfers in any other
// state are left untouched: finished and failed transfers only run again
// after a restart puts them back in the queue. The returned error is the
// failure recorded on the transfer, if any.
func (r *Runner) Run(ctx context.Context, id uint) error {
	transfer, err := r.store.GetFileTransfer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load transfer %d: %w", id, err)
	}

	if transfer.State != models.TransferQueued {
		r.log.Debug("Transfer %d is %s, nothing to run", id, transfer.State)
		return nil
	}

	now := time.Now().UTC()
	claimed, err := r.store.TransitionFileTransfer(ctx, id,
		[]models.TransferState{models.TransferQueued},
		models.TransferRunning,
		map[string]any{"started_at": now, "finished_at": nil, "error": "", "error_kind": ""})
	if err != nil {
		if errors.Is(err, errdefs.ErrTransferInFlight) {
			r.log.Warn("Transfer %d not claimed: %v", id, err)
			return nil
		}
		return fmt.Errorf("failed to claim transfer %d: %w", id, err)
	}
	if !claimed {
		r.log.Debug("Transfer %d is owned by another worker", id)
		return nil
	}

	r.log.Info("Running transfer %d of '%s' from '%s' to '%s'",
		id, transfer.FileResource.Path, transfer.FromStorage.Name, transfer.ToStorage.Name)

	attempts := transfer.Attempts
	var runErr error
	for try := 1; ; try++ {
		attempts++
		ok, err := r.store.TransitionFileTransfer(ctx, id,
			[]models.TransferState{models.TransferRunning}, models.TransferRunning,
			map[string]any{"attempts": attempts})
		if err != nil {
			return r.finish(ctx, transfer, fmt.Errorf("failed to record attempt %d of transfer %d: %w", attempts, id, err))
		}
		if !ok {
			r.log.Warn("Transfer %d was moved out of running, abandoning attempt %d", id, attempts)
			return nil
		}

		runErr = r.execute(ctx, transfer)
		if runErr == nil || !errdefs.IsRecoverable(runErr) || try >= r.cfg.Retry.MaxAttempts {
			break
		}

		delay := r.cfg.Retry.Backoff(try)
		r.log.Warn("Transfer %d attempt %d failed, retrying in %s: %v", id, try, delay, runErr)
		if err := sleep(ctx, delay); err != nil {
			runErr = err
			break
		}
	}

	return r.finish(ctx, transfer, runErr)
}

func (r *Runner) finish(ctx context.Context, transfer *models.FileTransfer, runErr error) error {
	// The outcome is recorded even when ctx was cancelled mid-run.
	writeCtx := context.WithoutCancel(ctx)
	running := []models.TransferState{models.TransferRunning}
	now := time.Now().UTC()

	switch {
	case runErr == nil:
		if _, err := r.store.TransitionFileTransfer(writeCtx, transfer.ID, running, models.TransferFinished,
			map[string]any{"finished_at": now}); err != nil {
			return fmt.Errorf("failed to mark transfer %d finished: %w", transfer.ID, err)
		}
		r.log.Info("Transfer %d finished", transfer.ID)
		return nil

	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		// Nothing was committed; hand the transfer back for the next start.
		if _, err := r.store.TransitionFileTransfer(writeCtx, transfer.ID, running, models.TransferQueued,
			map[string]any{"started_at": nil}); err != nil {
			return fmt.Errorf("failed to requeue interrupted transfer %d: %w", transfer.ID, err)
		}
		r.log.Warn("Transfer %d interrupted and returned to queue", transfer.ID)
		return runErr

	default:
		if _, err := r.store.TransitionFileTransfer(writeCtx, transfer.ID, running, models.TransferFailed,
			map[string]any{
				"finished_at": now,
				"error":       runErr.Error(),
				"error_kind":  errdefs.Kind(runErr),
			}); err != nil {
			return fmt.Errorf("failed to mark transfer %d failed: %w", transfer.ID, err)
		}
		r.log.Error("Transfer %d failed with %s: %v", transfer.ID, errdefs.Kind(runErr), runErr)
		return runErr
	}
}

func (r *Runner) execute(ctx context.Context, transfer *models.FileTransfer) error {
	resource := &transfer.FileResource
	src := &transfer.FromStorage
	dst := &transfer.ToStorage

	srcBackend, err := r.resolver.Resolve(src)
	if err != nil {
		return err
	}
	dstBackend, err := r.resolver.Resolve(dst)
	if err != nil {
		return err
	}

	if err := r.checkSource(ctx, transfer, srcBackend); err != nil {
		return err
	}

	done, err := r.checkDestination(ctx, transfer, dstBackend)
	if err != nil || done {
		return err
	}

	staged, err := storage.CopyTo(ctx, srcBackend, dstBackend, resource.Path)
	if err != nil {
		return classify(err)
	}

	check, err := r.verifier.VerifyStaged(ctx, dst, dstBackend, staged, resource.MD5, &transfer.ID)
	if err != nil {
		r.discard(dstBackend, staged)
		return classify(err)
	}
	if !check.Match {
		r.discard(dstBackend, staged)
		return fmt.Errorf("%w: copy of '%s' on '%s' has checksum %s, expected %s",
			errdefs.ErrDataCorruption, resource.Path, dst.Name, check.Computed, check.Expected)
	}

	if err := dstBackend.Commit(ctx, staged); err != nil {
		r.discard(dstBackend, staged)
		return classify(err)
	}

	if _, err := r.registry.RegisterInstance(ctx, resource, dst, registry.InstanceOptions{Verified: true}); err != nil {
		return err
	}
	return nil
}

// checkSource confirms the source still holds an unmodified copy. A corrupt
// source is marked unverified and never deleted.
func (r *Runner) checkSource(ctx context.Context, transfer *models.FileTransfer, backend storage.Backend) error {
	resource := &transfer.FileResource
	src := &transfer.FromStorage

	instance, info, err := r.registry.RequireInstance(ctx, resource, src, backend)
	if err != nil {
		return classify(err)
	}

	if !instance.IsVerified() {
		return fmt.Errorf("%w: source instance of '%s' on '%s' is not verified",
			errdefs.ErrDataCorruption, resource.Path, src.Name)
	}

	if info.Size != resource.Size {
		if err := r.registry.MarkUnverified(ctx, instance); err != nil {
			r.log.Error("Unable to mark source instance %d unverified: %v", instance.ID, err)
		}
		return fmt.Errorf("%w: source '%s' on '%s' has size %d, expected %d",
			errdefs.ErrDataCorruption, resource.Path, src.Name, info.Size, resource.Size)
	}

	if !r.cfg.VerifySource {
		return nil
	}

	check, err := r.verifier.Verify(ctx, src, backend, resource.Path, resource.MD5, &transfer.ID)
	if err != nil {
		return classify(err)
	}
	if !check.Match {
		if err := r.registry.MarkUnverified(ctx, instance); err != nil {
			r.log.Error("Unable to mark source instance %d unverified: %v", instance.ID, err)
		}
		return fmt.Errorf("%w: source '%s' on '%s' has checksum %s, expected %s",
			errdefs.ErrDataCorruption, resource.Path, src.Name, check.Computed, check.Expected)
	}
	return nil
}

// checkDestination reports done when the destination already holds a
// verified copy, adopting an unregistered file whose checksum matches.
func (r *Runner) checkDestination(ctx context.Context, transfer *models.FileTransfer, backend storage.Backend) (bool, error) {
	resource := &transfer.FileResource
	dst := &transfer.ToStorage

	exists, err := backend.Exists(ctx, resource.Path)
	if err != nil {
		return false, classify(err)
	}

	instance, err := r.store.GetFileInstance(ctx, resource.ID, dst.ID)
	if err != nil && !store.IsNotFound(err) {
		return false, classify(err)
	}
	registered := err == nil

	if registered && instance.IsVerified() {
		if exists {
			r.log.Info("'%s' already verified on '%s'", resource.Path, dst.Name)
			return true, nil
		}
		if err := r.registry.MarkStale(ctx, instance); err != nil {
			return false, err
		}
	}

	if !exists {
		return false, nil
	}

	check, err := r.verifier.Verify(ctx, dst, backend, resource.Path, resource.MD5, &transfer.ID)
	if err != nil {
		return false, classify(err)
	}
	if !check.Match {
		return false, fmt.Errorf("%w: '%s' on '%s' has checksum %s, expected %s",
			errdefs.ErrFileAlreadyExists, resource.Path, dst.Name, check.Computed, check.Expected)
	}

	if _, err := r.registry.RegisterInstance(ctx, resource, dst, registry.InstanceOptions{Verified: true}); err != nil {
		return false, err
	}
	r.log.Info("Adopted existing '%s' on '%s'", resource.Path, dst.Name)
	return true, nil
}

func (r *Runner) discard(backend storage.Backend, staged *storage.Staged) {
	if err := backend.Discard(context.Background(), staged); err != nil {
		r.log.Error("Unable to discard staged copy '%s' on '%s': %v", staged.TempPath, backend.Name(), err)
	}
}

// classify marks storage and transport failures as recoverable. Failures
// with a domain meaning keep it.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errdefs.ErrFileDoesNotExist),
		errors.Is(err, errdefs.ErrInstanceNotRegistered),
		errors.Is(err, errdefs.ErrFileAlreadyExists),
		errors.Is(err, errdefs.ErrDataCorruption):
		return err
	default:
		return errdefs.Recoverable(err)
	}
}
