package deploy

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	config "github.com/mwantia/tantalus/internal/config/server"
	"github.com/mwantia/tantalus/pkg/db/models"
	"github.com/mwantia/tantalus/pkg/db/store"
	"github.com/mwantia/tantalus/pkg/errdefs"
	"github.com/mwantia/tantalus/pkg/log"
	"github.com/mwantia/tantalus/pkg/queue"
	"github.com/mwantia/tantalus/pkg/registry"
	"github.com/mwantia/tantalus/pkg/storage"
	"github.com/mwantia/tantalus/pkg/transfer"
	"github.com/mwantia/tantalus/pkg/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// md5("hello world")
const helloMD5 = "5eb63bbbe01eeed093cb22bb8f5acdc3"

type fixture struct {
	store        *store.SQLiteStore
	registry     *registry.Registry
	orchestrator *Orchestrator
	logger       log.LoggerService
	src          *models.Storage
	dst          *models.Storage
	resource     *models.FileResource
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLiteStore(store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "metadata.db")})
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	logger := log.NewLoggerServiceWithWriter("test", config.LogServerConfig{}, io.Discard)
	reg := registry.New(s, logger)

	f := &fixture{
		store:        s,
		registry:     reg,
		orchestrator: NewOrchestrator(s, reg, queue.NewOutbox(s, logger), SourceSiteAffinity, logger),
		logger:       logger,
	}

	f.src = &models.Storage{Name: "shahlab", Kind: models.StorageKindServer, Root: t.TempDir(), Site: "bccrc"}
	f.dst = &models.Storage{Name: "singlecellblob", Kind: models.StorageKindServer, Root: t.TempDir(), Site: "azure"}
	require.NoError(t, s.CreateStorage(ctx, f.src))
	require.NoError(t, s.CreateStorage(ctx, f.dst))

	full := filepath.Join(f.src.Root, "SA123", "reads.bam")
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte("hello world"), 0644))

	f.resource, _, err = reg.GetOrCreate(ctx, helloMD5, "SA123/reads.bam", 11, models.FileKindBAM)
	require.NoError(t, err)
	_, err = reg.RegisterInstance(ctx, f.resource, f.src, registry.InstanceOptions{Verified: true})
	require.NoError(t, err)

	dataset := &models.Dataset{Name: "SA123_bam", Kind: "BamFile"}
	require.NoError(t, s.CreateDataset(ctx, dataset))
	require.NoError(t, s.AddDatasetFileResources(ctx, dataset, f.resource))
	return f
}

func (f *fixture) pendingMessages(t *testing.T) []models.TaskMessage {
	t.Helper()
	messages, err := f.store.ClaimTaskMessages(context.Background(), "inspect", 0)
	require.NoError(t, err)
	_, err = f.store.ReleaseTaskMessages(context.Background())
	require.NoError(t, err)
	return messages
}

func (f *fixture) countTransfers(t *testing.T) int {
	t.Helper()
	var count int64
	require.NoError(t, f.store.DB().Model(&models.FileTransfer{}).Count(&count).Error)
	return int(count)
}

func (f *fixture) countDeployments(t *testing.T) int {
	t.Helper()
	var count int64
	require.NoError(t, f.store.DB().Model(&models.Deployment{}).Count(&count).Error)
	return int(count)
}

func TestCreateDeploymentAndRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	deployment, err := f.orchestrator.CreateDeployment(ctx, []string{"SA123_bam"}, "singlecellblob")
	require.NoError(t, err)
	require.Len(t, deployment.FileTransfers, 1)

	queued := deployment.FileTransfers[0]
	assert.Equal(t, models.TransferQueued, queued.State)
	assert.Equal(t, f.src.ID, queued.FromStorageID)

	messages := f.pendingMessages(t)
	require.Len(t, messages, 1)
	assert.Equal(t, "transfer.singlecellblob", messages[0].Queue)
	assert.Equal(t, queued.ID, messages[0].FileTransferID)

	_, status, err := f.orchestrator.Status(ctx, deployment.ID)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.False(t, status.Finished)
	assert.Equal(t, 1, status.Counts[models.TransferQueued])

	runner := transfer.NewRunner(f.store, storage.NewBackends(nil), f.registry, verify.NewService(f.store, f.logger),
		transfer.Config{Retry: transfer.RetryPolicy{MaxAttempts: 1}, VerifySource: true}, f.logger)
	require.NoError(t, runner.Run(ctx, queued.ID))

	loaded, status, err := f.orchestrator.Status(ctx, deployment.ID)
	require.NoError(t, err)
	assert.True(t, status.Finished)
	assert.False(t, status.Errors)
	assert.Len(t, loaded.Datasets, 1)

	instance, err := f.store.GetFileInstance(ctx, f.resource.ID, f.dst.ID)
	require.NoError(t, err)
	assert.True(t, instance.IsVerified())

	// Everything is now in place.
	_, err = f.orchestrator.CreateDeployment(ctx, []string{"SA123_bam"}, "singlecellblob")
	assert.ErrorIs(t, err, errdefs.ErrDeploymentUnnecessary)
	assert.Equal(t, 1, f.countDeployments(t))
	assert.Equal(t, 1, f.countTransfers(t))
}

func TestCreateDeploymentUnnecessary(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.registry.RegisterInstance(ctx, f.resource, f.dst, registry.InstanceOptions{Verified: true})
	require.NoError(t, err)

	_, err = f.orchestrator.CreateDeployment(ctx, []string{"SA123_bam"}, "singlecellblob")
	require.ErrorIs(t, err, errdefs.ErrDeploymentUnnecessary)

	assert.Equal(t, 0, f.countDeployments(t))
	assert.Equal(t, 0, f.countTransfers(t))
	assert.Empty(t, f.pendingMessages(t))
}

func TestCreateDeploymentWithoutSource(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	orphan, _, err := f.registry.GetOrCreate(ctx, "abc123", "SA123/orphan.bam", 5, "")
	require.NoError(t, err)
	dataset, err := f.store.GetDatasetByName(ctx, "SA123_bam")
	require.NoError(t, err)
	require.NoError(t, f.store.AddDatasetFileResources(ctx, dataset, orphan))

	_, err = f.orchestrator.CreateDeployment(ctx, []string{"SA123_bam"}, "singlecellblob")
	require.ErrorIs(t, err, errdefs.ErrDeploymentNotCreated)

	assert.Equal(t, 0, f.countDeployments(t))
	assert.Equal(t, 0, f.countTransfers(t))
	assert.Empty(t, f.pendingMessages(t))
}

func TestCreateDeploymentUnknownNames(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.orchestrator.CreateDeployment(ctx, []string{"SA123_bam"}, "nowhere")
	assert.ErrorIs(t, err, errdefs.ErrDeploymentNotCreated)

	_, err = f.orchestrator.CreateDeployment(ctx, []string{"missing"}, "singlecellblob")
	assert.ErrorIs(t, err, errdefs.ErrDeploymentNotCreated)
}

func TestConcurrentDeploymentsCreateOneTransfer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orchestrator.CreateDeployment(ctx, []string{"SA123_bam"}, "singlecellblob")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, errdefs.ErrTransferInFlight), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.countTransfers(t))
	assert.Equal(t, 1, f.countDeployments(t))
	assert.Len(t, f.pendingMessages(t), 1)
}

func TestRestart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	deployment, err := f.orchestrator.CreateDeployment(ctx, []string{"SA123_bam"}, "singlecellblob")
	require.NoError(t, err)
	id := deployment.FileTransfers[0].ID

	ok, err := f.store.TransitionFileTransfer(ctx, id,
		[]models.TransferState{models.TransferQueued}, models.TransferRunning, nil)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.orchestrator.Restart(ctx, id)
	require.ErrorIs(t, err, errdefs.ErrTransferRunning)

	ok, err = f.store.TransitionFileTransfer(ctx, id,
		[]models.TransferState{models.TransferRunning}, models.TransferFailed,
		map[string]any{"error": "boom", "error_kind": "Unknown", "finished_at": time.Now().UTC()})
	require.NoError(t, err)
	require.True(t, ok)

	_, status, err := f.orchestrator.Status(ctx, deployment.ID)
	require.NoError(t, err)
	assert.True(t, status.Errors)
	assert.False(t, status.Finished)

	restarted, err := f.orchestrator.Restart(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TransferQueued, restarted.State)

	loaded, err := f.store.GetFileTransfer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TransferQueued, loaded.State)
	assert.Empty(t, loaded.Error)
	assert.Empty(t, loaded.ErrorKind)
	assert.Nil(t, loaded.FinishedAt)

	messages := f.pendingMessages(t)
	require.Len(t, messages, 2)
	assert.Equal(t, "transfer.singlecellblob", messages[1].Queue)
}

func TestRequeueAndActiveTransfers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	deployment, err := f.orchestrator.CreateDeployment(ctx, []string{"SA123_bam"}, "singlecellblob")
	require.NoError(t, err)

	n, err := f.orchestrator.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.pendingMessages(t), 2)

	active, err := f.orchestrator.ActiveTransfers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, active)

	_, err = f.store.TransitionFileTransfer(ctx, deployment.FileTransfers[0].ID,
		[]models.TransferState{models.TransferQueued}, models.TransferRunning, nil)
	require.NoError(t, err)

	active, err = f.orchestrator.ActiveTransfers(ctx, "shahlab")
	require.NoError(t, err)
	assert.EqualValues(t, 1, active)

	_, err = f.orchestrator.ActiveTransfers(ctx, "nowhere")
	assert.Error(t, err)
}

func TestRecoverInterruptedTransfer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	deployment, err := f.orchestrator.CreateDeployment(ctx, []string{"SA123_bam"}, "singlecellblob")
	require.NoError(t, err)
	id := deployment.FileTransfers[0].ID

	// An agent claimed the transfer and stopped before finishing it.
	ok, err := f.store.TransitionFileTransfer(ctx, id,
		[]models.TransferState{models.TransferQueued}, models.TransferRunning,
		map[string]any{"started_at": time.Now().UTC()})
	require.NoError(t, err)
	require.True(t, ok)

	pending, err := f.orchestrator.Requeue(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	_, err = f.orchestrator.CreateDeployment(ctx, []string{"SA123_bam"}, "singlecellblob")
	require.ErrorIs(t, err, errdefs.ErrTransferInFlight)

	n, err := f.orchestrator.Recover(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	loaded, err := f.store.GetFileTransfer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TransferQueued, loaded.State)
	assert.Nil(t, loaded.StartedAt)

	n, err = f.orchestrator.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err = f.orchestrator.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	runner := transfer.NewRunner(f.store, storage.NewBackends(nil), f.registry, verify.NewService(f.store, f.logger),
		transfer.Config{Retry: transfer.RetryPolicy{MaxAttempts: 1}, VerifySource: true}, f.logger)
	require.NoError(t, runner.Run(ctx, id))

	_, status, err := f.orchestrator.Status(ctx, deployment.ID)
	require.NoError(t, err)
	assert.True(t, status.Finished)
}
