// Package deploy plans deployments of datasets onto a destination storage
// and tracks their progress.
package deploy

import (
	"context"
	"fmt"

	"github.com/mwantia/tantalus/pkg/db/models"
	"github.com/mwantia/tantalus/pkg/db/store"
	"github.com/mwantia/tantalus/pkg/errdefs"
	"github.com/mwantia/tantalus/pkg/log"
	"github.com/mwantia/tantalus/pkg/queue"
	"github.com/mwantia/tantalus/pkg/registry"
)

type Orchestrator struct {
	store    store.MetadataStore
	registry *registry.Registry
	outbox   *queue.Outbox
	policy   SourcePolicy
	log      log.LoggerService
}

func NewOrchestrator(s store.MetadataStore, reg *registry.Registry, outbox *queue.Outbox, policy SourcePolicy, logger log.LoggerService) *Orchestrator {
	return &Orchestrator{
		store:    s,
		registry: reg,
		outbox:   outbox,
		policy:   policy,
		log:      logger.Named("deploy"),
	}
}

type plannedTransfer struct {
	resource models.FileResource
	source   *models.FileInstance
}

// CreateDeployment plans and persists the transfers needed to place every
// file of datasets onto the named storage. It fails with
// errdefs.ErrDeploymentUnnecessary when nothing has to move and with
// errdefs.ErrDeploymentNotCreated when a file has no verified source. In
// both cases nothing is persisted.
func (o *Orchestrator) CreateDeployment(ctx context.Context, datasetNames []string, toStorageName string) (*models.Deployment, error) {
	var deployment *models.Deployment

	err := o.store.Transaction(ctx, func(tx store.MetadataStore) error {
		reg := o.registry.WithStore(tx)

		dst, err := tx.GetStorageByName(ctx, toStorageName)
		if err != nil {
			if store.IsNotFound(err) {
				return fmt.Errorf("%w: unknown storage '%s'", errdefs.ErrDeploymentNotCreated, toStorageName)
			}
			return err
		}

		datasets := make([]models.Dataset, 0, len(datasetNames))
		ids := make([]uint, 0, len(datasetNames))
		for _, name := range datasetNames {
			dataset, err := tx.GetDatasetByName(ctx, name)
			if err != nil {
				if store.IsNotFound(err) {
					return fmt.Errorf("%w: unknown dataset '%s'", errdefs.ErrDeploymentNotCreated, name)
				}
				return err
			}
			datasets = append(datasets, models.Dataset{ID: dataset.ID, Name: dataset.Name, Kind: dataset.Kind})
			ids = append(ids, dataset.ID)
		}

		resources, err := tx.ListDatasetFileResources(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to list dataset files: %w", err)
		}

		plans, err := o.plan(ctx, reg, dst, resources)
		if err != nil {
			return err
		}
		if len(plans) == 0 {
			return fmt.Errorf("%w: all %d files already verified on '%s'",
				errdefs.ErrDeploymentUnnecessary, len(resources), dst.Name)
		}

		deployment = &models.Deployment{ToStorageID: dst.ID, Datasets: datasets}
		if err := tx.CreateDeployment(ctx, deployment); err != nil {
			return fmt.Errorf("failed to create deployment: %w", err)
		}

		outbox := o.outbox.WithStore(tx)
		for _, p := range plans {
			transfer := models.FileTransfer{
				DeploymentID:   deployment.ID,
				FileResourceID: p.resource.ID,
				FromStorageID:  p.source.StorageID,
				ToStorageID:    dst.ID,
				State:          models.TransferQueued,
			}
			if err := tx.CreateFileTransfer(ctx, &transfer); err != nil {
				return err
			}
			if err := outbox.Enqueue(ctx, transfer.ID, dst.QueueName()); err != nil {
				return err
			}

			transfer.FileResource = p.resource
			transfer.FromStorage = p.source.Storage
			transfer.ToStorage = *dst
			deployment.FileTransfers = append(deployment.FileTransfers, transfer)
		}

		deployment.ToStorage = *dst
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.outbox.Notify()
	o.log.Info("Created deployment %d with %d transfers to '%s'",
		deployment.ID, len(deployment.FileTransfers), toStorageName)
	return deployment, nil
}

func (o *Orchestrator) plan(ctx context.Context, reg *registry.Registry, dst *models.Storage, resources []models.FileResource) ([]plannedTransfer, error) {
	var plans []plannedTransfer

	for _, resource := range resources {
		present, err := reg.HasVerifiedInstance(ctx, resource.ID, dst.ID)
		if err != nil {
			return nil, err
		}
		if present {
			continue
		}

		candidates, err := reg.VerifiedInstances(ctx, resource.ID)
		if err != nil {
			return nil, err
		}

		source := SelectSource(o.policy, dst, candidates)
		if source == nil {
			return nil, fmt.Errorf("%w: no verified source for '%s' (%s)",
				errdefs.ErrDeploymentNotCreated, resource.Path, resource.MD5)
		}

		o.log.Debug("Planned '%s' from '%s' to '%s'", resource.Path, source.Storage.Name, dst.Name)
		plans = append(plans, plannedTransfer{resource: resource, source: source})
	}

	return plans, nil
}

// Restart hands a transfer that is not running back to its destination
// queue, clearing any recorded failure.
func (o *Orchestrator) Restart(ctx context.Context, transferID uint) (*models.FileTransfer, error) {
	var transfer *models.FileTransfer

	err := o.store.Transaction(ctx, func(tx store.MetadataStore) error {
		current, err := tx.GetFileTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if current.State == models.TransferRunning {
			return fmt.Errorf("%w: transfer %d", errdefs.ErrTransferRunning, transferID)
		}

		ok, err := tx.TransitionFileTransfer(ctx, transferID,
			[]models.TransferState{models.TransferQueued, models.TransferFailed, models.TransferFinished},
			models.TransferQueued,
			map[string]any{"error": "", "error_kind": "", "started_at": nil, "finished_at": nil})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: transfer %d", errdefs.ErrTransferRunning, transferID)
		}

		if err := o.outbox.WithStore(tx).Enqueue(ctx, transferID, current.ToStorage.QueueName()); err != nil {
			return err
		}

		current.State = models.TransferQueued
		current.Error = ""
		current.ErrorKind = ""
		current.StartedAt = nil
		current.FinishedAt = nil
		transfer = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.outbox.Notify()
	o.log.Info("Restarted transfer %d on '%s'", transferID, transfer.ToStorage.QueueName())
	return transfer, nil
}

// Status derives the current state of a deployment from its transfers.
func (o *Orchestrator) Status(ctx context.Context, deploymentID uint) (*models.Deployment, Status, error) {
	deployment, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, Status{}, err
	}
	return deployment, Aggregate(deployment.FileTransfers), nil
}

// Recover hands transfers left running by a stopped agent back to the
// queue. Their copies were never committed, so they restart from scratch.
// It must run before any worker of this store starts.
func (o *Orchestrator) Recover(ctx context.Context) (int64, error) {
	n, err := o.store.ReleaseRunningTransfers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to release running transfers: %w", err)
	}
	if n > 0 {
		o.log.Warn("Returned %d interrupted transfers to the queue", n)
	}
	return n, nil
}

// Requeue enqueues every queued transfer again. Delivery is at least once;
// workers ignore transfers they cannot claim.
func (o *Orchestrator) Requeue(ctx context.Context) (int, error) {
	transfers, err := o.store.ListFileTransfersByState(ctx, models.TransferQueued)
	if err != nil {
		return 0, fmt.Errorf("failed to list queued transfers: %w", err)
	}

	for _, transfer := range transfers {
		if err := o.outbox.Enqueue(ctx, transfer.ID, transfer.ToStorage.QueueName()); err != nil {
			return 0, err
		}
	}

	if len(transfers) > 0 {
		o.outbox.Notify()
		o.log.Info("Requeued %d transfers", len(transfers))
	}
	return len(transfers), nil
}

// ActiveTransfers counts running transfers, optionally restricted to those
// reading from or writing to the named storages.
func (o *Orchestrator) ActiveTransfers(ctx context.Context, storageNames ...string) (int64, error) {
	ids := make([]uint, 0, len(storageNames))
	for _, name := range storageNames {
		st, err := o.store.GetStorageByName(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("unknown storage '%s': %w", name, err)
		}
		ids = append(ids, st.ID)
	}
	return o.store.CountRunningTransfers(ctx, ids...)
}
