package transfer

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
	"github.com/mwantia/tantalus/pkg/registry"
	"github.com/mwantia/tantalus/pkg/storage"
	"github.com/mwantia/tantalus/pkg/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// md5("hello world")
const helloMD5 = "5eb63bbbe01eeed093cb22bb8f5acdc3"

const filePath = "SA123/reads.bam"

type fixture struct {
	store      *store.SQLiteStore
	backends   *storage.Backends
	registry   *registry.Registry
	verifier   *verify.Service
	logger     log.LoggerService
	src        *models.Storage
	dst        *models.Storage
	srcBackend *storage.ServerBackend
	dstBackend *storage.ServerBackend
	resource   *models.FileResource
	transfer   *models.FileTransfer
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
	f := &fixture{
		store:    s,
		backends: storage.NewBackends(nil),
		registry: registry.New(s, logger),
		verifier: verify.NewService(s, logger),
		logger:   logger,
	}

	f.src = &models.Storage{Name: "shahlab", Kind: models.StorageKindServer, Root: t.TempDir(), Site: "bccrc"}
	f.dst = &models.Storage{Name: "singlecellblob", Kind: models.StorageKindServer, Root: t.TempDir(), Site: "azure"}
	require.NoError(t, s.CreateStorage(ctx, f.src))
	require.NoError(t, s.CreateStorage(ctx, f.dst))

	f.srcBackend, err = storage.NewServerBackend(f.src.Name, "", f.src.Root)
	require.NoError(t, err)
	f.dstBackend, err = storage.NewServerBackend(f.dst.Name, "", f.dst.Root)
	require.NoError(t, err)
	f.backends.Register(f.src.Name, f.srcBackend)
	f.backends.Register(f.dst.Name, f.dstBackend)

	f.write(t, f.src, "hello world")

	f.resource, _, err = f.registry.GetOrCreate(ctx, helloMD5, filePath, 11, models.FileKindBAM)
	require.NoError(t, err)
	_, err = f.registry.RegisterInstance(ctx, f.resource, f.src, registry.InstanceOptions{Verified: true})
	require.NoError(t, err)

	deployment := &models.Deployment{ToStorageID: f.dst.ID}
	require.NoError(t, s.CreateDeployment(ctx, deployment))

	f.transfer = &models.FileTransfer{
		DeploymentID:   deployment.ID,
		FileResourceID: f.resource.ID,
		FromStorageID:  f.src.ID,
		ToStorageID:    f.dst.ID,
		State:          models.TransferQueued,
	}
	require.NoError(t, s.CreateFileTransfer(ctx, f.transfer))
	return f
}

func (f *fixture) write(t *testing.T, st *models.Storage, content string) {
	t.Helper()
	full := filepath.Join(st.Root, filepath.FromSlash(filePath))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

func (f *fixture) runner(maxAttempts int) *Runner {
	return NewRunner(f.store, f.backends, f.registry, f.verifier, Config{
		Retry: RetryPolicy{
			MaxAttempts:    maxAttempts,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
		VerifySource: true,
	}, f.logger)
}

func (f *fixture) reload(t *testing.T) *models.FileTransfer {
	t.Helper()
	transfer, err := f.store.GetFileTransfer(context.Background(), f.transfer.ID)
	require.NoError(t, err)
	return transfer
}

// restart puts a finished or failed transfer back in the queue.
func (f *fixture) restart(t *testing.T, from models.TransferState) {
	t.Helper()
	ok, err := f.store.TransitionFileTransfer(context.Background(), f.transfer.ID,
		[]models.TransferState{from}, models.TransferQueued,
		map[string]any{"error": "", "error_kind": "", "finished_at": nil})
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) dstFiles(t *testing.T) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(f.dst.Root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(f.dst.Root, p)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

// corruptingBackend flips the first byte of everything it stages.
type corruptingBackend struct {
	storage.Backend
}

func (c *corruptingBackend) Stage(ctx context.Context, p string, r io.Reader, size int64) (*storage.Staged, error) {
	return c.Backend.Stage(ctx, p, &flipReader{r: r}, size)
}

type flipReader struct {
	r       io.Reader
	flipped bool
}

func (fr *flipReader) Read(p []byte) (int, error) {
	n, err := fr.r.Read(p)
	if n > 0 && !fr.flipped {
		p[0] ^= 0xff
		fr.flipped = true
	}
	return n, err
}

// flakyBackend fails the first `failures` stage calls with a transport error.
type flakyBackend struct {
	storage.Backend
	mutex    sync.Mutex
	failures int
	calls    int
}

func (fb *flakyBackend) Stage(ctx context.Context, p string, r io.Reader, size int64) (*storage.Staged, error) {
	fb.mutex.Lock()
	fb.calls++
	fail := fb.failures < 0 || fb.calls <= fb.failures
	fb.mutex.Unlock()

	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return fb.Backend.Stage(ctx, p, r, size)
}

// hookBackend runs hook and then fails every stage call with a transport error.
type hookBackend struct {
	storage.Backend
	hook  func()
	calls int
}

func (hb *hookBackend) Stage(ctx context.Context, p string, r io.Reader, size int64) (*storage.Staged, error) {
	hb.calls++
	hb.hook()
	return nil, errors.New("connection reset by peer")
}

// blockingBackend stages nothing until the context is cancelled.
type blockingBackend struct {
	storage.Backend
	started chan struct{}
}

func (bb *blockingBackend) Stage(ctx context.Context, p string, r io.Reader, size int64) (*storage.Staged, error) {
	close(bb.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestBackoff(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Duration(0), policy.Backoff(0))
	assert.Equal(t, time.Second, policy.Backoff(1))
	assert.Equal(t, 2*time.Second, policy.Backoff(2))
	assert.Equal(t, 4*time.Second, policy.Backoff(3))
	assert.Equal(t, 5*time.Second, policy.Backoff(4))
	assert.Equal(t, 5*time.Second, policy.Backoff(40))
}

func TestRunCopiesAndVerifies(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.runner(3).Run(ctx, f.transfer.ID))

	transfer := f.reload(t)
	assert.Equal(t, models.TransferFinished, transfer.State)
	assert.Equal(t, 1, transfer.Attempts)
	assert.NotNil(t, transfer.StartedAt)
	assert.NotNil(t, transfer.FinishedAt)
	assert.Empty(t, transfer.Error)

	instance, err := f.store.GetFileInstance(ctx, f.resource.ID, f.dst.ID)
	require.NoError(t, err)
	assert.True(t, instance.IsVerified())
	assert.Equal(t, []string{filePath}, f.dstFiles(t))

	checks, err := f.store.ListMD5Checks(ctx, f.dst.ID, filePath)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.True(t, checks[0].Match)
	assert.Equal(t, helloMD5, checks[0].Computed)

	// Running a finished transfer again changes nothing.
	require.NoError(t, f.runner(3).Run(ctx, f.transfer.ID))
	again := f.reload(t)
	assert.Equal(t, transfer.Attempts, again.Attempts)
	assert.Equal(t, transfer.FinishedAt.Unix(), again.FinishedAt.Unix())

	instances, err := f.store.ListFileInstances(ctx, f.resource.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestRunDestinationCorruption(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.backends.Register(f.dst.Name, &corruptingBackend{Backend: f.dstBackend})

	err := f.runner(3).Run(ctx, f.transfer.ID)
	require.ErrorIs(t, err, errdefs.ErrDataCorruption)

	transfer := f.reload(t)
	assert.Equal(t, models.TransferFailed, transfer.State)
	assert.Equal(t, "DataCorruptionError", transfer.ErrorKind)
	assert.Equal(t, 1, transfer.Attempts)

	_, err = f.store.GetFileInstance(ctx, f.resource.ID, f.dst.ID)
	assert.True(t, store.IsNotFound(err))
	assert.Empty(t, f.dstFiles(t))

	checks, err := f.store.ListMD5Checks(ctx, f.dst.ID, filePath)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.False(t, checks[0].Match)
}

func TestRunSourceCorruptionKeepsSource(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.write(t, f.src, "hellx world")

	err := f.runner(3).Run(ctx, f.transfer.ID)
	require.ErrorIs(t, err, errdefs.ErrDataCorruption)

	source, err := f.store.GetFileInstance(ctx, f.resource.ID, f.src.ID)
	require.NoError(t, err)
	assert.False(t, source.Verified)

	_, err = os.Stat(filepath.Join(f.src.Root, filepath.FromSlash(filePath)))
	assert.NoError(t, err)
	assert.Empty(t, f.dstFiles(t))
}

func TestRunMissingSource(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, os.Remove(filepath.Join(f.src.Root, filepath.FromSlash(filePath))))

	err := f.runner(3).Run(ctx, f.transfer.ID)
	require.ErrorIs(t, err, errdefs.ErrFileDoesNotExist)

	transfer := f.reload(t)
	assert.Equal(t, models.TransferFailed, transfer.State)
	assert.Equal(t, "FileDoesNotExist", transfer.ErrorKind)
	assert.Equal(t, 1, transfer.Attempts)

	source, err := f.store.GetFileInstance(ctx, f.resource.ID, f.src.ID)
	require.NoError(t, err)
	assert.True(t, source.Stale)
}

func TestRunRetriesRecoverableFailures(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	flaky := &flakyBackend{Backend: f.dstBackend, failures: 2}
	f.backends.Register(f.dst.Name, flaky)

	require.NoError(t, f.runner(3).Run(ctx, f.transfer.ID))

	transfer := f.reload(t)
	assert.Equal(t, models.TransferFinished, transfer.State)
	assert.Equal(t, 3, transfer.Attempts)
	assert.Equal(t, 3, flaky.calls)
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	flaky := &flakyBackend{Backend: f.dstBackend, failures: -1}
	f.backends.Register(f.dst.Name, flaky)

	err := f.runner(2).Run(ctx, f.transfer.ID)
	require.Error(t, err)
	assert.True(t, errdefs.IsRecoverable(err))

	transfer := f.reload(t)
	assert.Equal(t, models.TransferFailed, transfer.State)
	assert.Equal(t, "RecoverableFileTransferError", transfer.ErrorKind)
	assert.Equal(t, 2, transfer.Attempts)

	// A restarted transfer resumes from the start.
	flaky.failures = 0
	f.restart(t, models.TransferFailed)
	require.NoError(t, f.runner(2).Run(ctx, f.transfer.ID))
	assert.Equal(t, models.TransferFinished, f.reload(t).State)
}

func TestRunFailedTransferIsNotRerun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.backends.Register(f.dst.Name, &corruptingBackend{Backend: f.dstBackend})

	err := f.runner(3).Run(ctx, f.transfer.ID)
	require.ErrorIs(t, err, errdefs.ErrDataCorruption)

	// The same message delivered a second time.
	f.backends.Register(f.dst.Name, f.dstBackend)
	require.NoError(t, f.runner(3).Run(ctx, f.transfer.ID))

	transfer := f.reload(t)
	assert.Equal(t, models.TransferFailed, transfer.State)
	assert.Equal(t, "DataCorruptionError", transfer.ErrorKind)
	assert.Equal(t, 1, transfer.Attempts)
	assert.Empty(t, f.dstFiles(t))

	checks, err := f.store.ListMD5Checks(ctx, f.dst.ID, filePath)
	require.NoError(t, err)
	assert.Len(t, checks, 1)
}

func TestRunMissingSourceIsNotRerun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	full := filepath.Join(f.src.Root, filepath.FromSlash(filePath))
	require.NoError(t, os.Remove(full))

	err := f.runner(3).Run(ctx, f.transfer.ID)
	require.ErrorIs(t, err, errdefs.ErrFileDoesNotExist)

	f.write(t, f.src, "hello world")
	require.NoError(t, f.runner(3).Run(ctx, f.transfer.ID))

	transfer := f.reload(t)
	assert.Equal(t, models.TransferFailed, transfer.State)
	assert.Equal(t, "FileDoesNotExist", transfer.ErrorKind)
	assert.Equal(t, 1, transfer.Attempts)
	assert.Empty(t, f.dstFiles(t))
}

func TestRunRestartedFinishedTransferKeepsVerifiedCopy(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.runner(3).Run(ctx, f.transfer.ID))
	require.Equal(t, models.TransferFinished, f.reload(t).State)

	before, err := os.Stat(filepath.Join(f.dst.Root, filepath.FromSlash(filePath)))
	require.NoError(t, err)

	f.restart(t, models.TransferFinished)
	require.NoError(t, f.runner(3).Run(ctx, f.transfer.ID))

	transfer := f.reload(t)
	assert.Equal(t, models.TransferFinished, transfer.State)
	assert.Equal(t, 2, transfer.Attempts)
	assert.Equal(t, []string{filePath}, f.dstFiles(t))

	after, err := os.Stat(filepath.Join(f.dst.Root, filepath.FromSlash(filePath)))
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())

	// The verified destination is trusted without hashing it again.
	checks, err := f.store.ListMD5Checks(ctx, f.dst.ID, filePath)
	require.NoError(t, err)
	assert.Len(t, checks, 1)

	instances, err := f.store.ListFileInstances(ctx, f.resource.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestRunAbandonsTransferMovedOutOfRunning(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	hooked := &hookBackend{Backend: f.dstBackend, hook: func() {
		ok, err := f.store.TransitionFileTransfer(ctx, f.transfer.ID,
			[]models.TransferState{models.TransferRunning}, models.TransferQueued,
			map[string]any{"started_at": nil})
		require.NoError(t, err)
		require.True(t, ok)
	}}
	f.backends.Register(f.dst.Name, hooked)

	require.NoError(t, f.runner(3).Run(ctx, f.transfer.ID))

	transfer := f.reload(t)
	assert.Equal(t, models.TransferQueued, transfer.State)
	assert.Equal(t, 1, transfer.Attempts)
	assert.Empty(t, transfer.ErrorKind)
	assert.Equal(t, 1, hooked.calls)
}

func TestRunAdoptsMatchingDestinationFile(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.write(t, f.dst, "hello world")

	require.NoError(t, f.runner(1).Run(ctx, f.transfer.ID))
	assert.Equal(t, models.TransferFinished, f.reload(t).State)

	instance, err := f.store.GetFileInstance(ctx, f.resource.ID, f.dst.ID)
	require.NoError(t, err)
	assert.True(t, instance.IsVerified())
}

func TestRunRefusesToOverwriteDifferentFile(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.write(t, f.dst, "other bytes")

	err := f.runner(3).Run(ctx, f.transfer.ID)
	require.ErrorIs(t, err, errdefs.ErrFileAlreadyExists)

	transfer := f.reload(t)
	assert.Equal(t, "FileAlreadyExists", transfer.ErrorKind)
	assert.Equal(t, 1, transfer.Attempts)

	content, err := os.ReadFile(filepath.Join(f.dst.Root, filepath.FromSlash(filePath)))
	require.NoError(t, err)
	assert.Equal(t, "other bytes", string(content))
}

func TestRunSkipsTransferOwnedElsewhere(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ok, err := f.store.TransitionFileTransfer(ctx, f.transfer.ID,
		[]models.TransferState{models.TransferQueued}, models.TransferRunning, nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.runner(1).Run(ctx, f.transfer.ID))

	transfer := f.reload(t)
	assert.Equal(t, models.TransferRunning, transfer.State)
	assert.Equal(t, 0, transfer.Attempts)
	assert.Empty(t, f.dstFiles(t))
}

func TestRunInterruptedReturnsToQueue(t *testing.T) {
	f := setup(t)
	blocking := &blockingBackend{Backend: f.dstBackend, started: make(chan struct{})}
	f.backends.Register(f.dst.Name, blocking)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-blocking.started
		cancel()
	}()

	err := f.runner(3).Run(ctx, f.transfer.ID)
	require.ErrorIs(t, err, context.Canceled)

	transfer := f.reload(t)
	assert.Equal(t, models.TransferQueued, transfer.State)
	assert.Nil(t, transfer.StartedAt)
	assert.Empty(t, f.dstFiles(t))
}
