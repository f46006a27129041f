// Package registry tracks which file resources exist and where their
// physical instances live.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/mwantia/tantalus/pkg/db/models"
	"github.com/mwantia/tantalus/pkg/db/store"
	"github.com/mwantia/tantalus/pkg/errdefs"
	"github.com/mwantia/tantalus/pkg/log"
	"github.com/mwantia/tantalus/pkg/storage"
	"github.com/mwantia/tantalus/pkg/verify"
)

type Registry struct {
	store store.MetadataStore
	log   log.LoggerService
}

func New(s store.MetadataStore, logger log.LoggerService) *Registry {
	return &Registry{
		store: s,
		log:   logger.Named("registry"),
	}
}

// WithStore returns a registry bound to s, typically a transaction scope.
func (r *Registry) WithStore(s store.MetadataStore) *Registry {
	return &Registry{store: s, log: r.log}
}

// InstanceOptions controls RegisterInstance.
type InstanceOptions struct {
	// ExpectNew fails with errdefs.ErrFileAlreadyExists when any instance is
	// already registered on the storage.
	ExpectNew bool
	// Verified marks the instance as checksum verified.
	Verified bool
}

// KindFromPath guesses the file kind from its extension.
func KindFromPath(p string) models.FileKind {
	lower := strings.ToLower(p)
	switch {
	case strings.HasSuffix(lower, ".bam"):
		return models.FileKindBAM
	case strings.HasSuffix(lower, ".bai"):
		return models.FileKindBAI
	case strings.HasSuffix(lower, ".fq"), strings.HasSuffix(lower, ".fq.gz"),
		strings.HasSuffix(lower, ".fastq"), strings.HasSuffix(lower, ".fastq.gz"):
		return models.FileKindFastq
	case strings.HasSuffix(lower, "/"):
		return models.FileKindFolder
	default:
		return models.FileKindOther
	}
}

// GetOrCreate returns the resource with the given checksum, creating it when
// unknown. An existing resource with a different size is an error.
func (r *Registry) GetOrCreate(ctx context.Context, md5, filePath string, size int64, kind models.FileKind) (*models.FileResource, bool, error) {
	md5 = strings.ToLower(strings.TrimSpace(md5))
	if md5 == "" {
		return nil, false, fmt.Errorf("file resource '%s' requires a checksum", filePath)
	}

	existing, err := r.store.GetFileResourceByMD5(ctx, md5)
	if err == nil {
		if existing.Size != size {
			return nil, false, fmt.Errorf("file resource %s already registered with size %d, got %d",
				md5, existing.Size, size)
		}
		return existing, false, nil
	}
	if !store.IsNotFound(err) {
		return nil, false, fmt.Errorf("failed to look up file resource %s: %w", md5, err)
	}

	if kind == "" {
		kind = KindFromPath(filePath)
	}
	resource := &models.FileResource{
		MD5:      md5,
		Path:     filePath,
		Size:     size,
		Kind:     kind,
		IsFolder: kind == models.FileKindFolder,
	}
	if err := r.store.CreateFileResource(ctx, resource); err != nil {
		return nil, false, fmt.Errorf("failed to create file resource %s: %w", md5, err)
	}

	r.log.Debug("Registered file resource %d (%s, %s)", resource.ID, filePath, md5)
	return resource, true, nil
}

// RegisterInstance records that st holds a copy of resource. A stale or
// unverified instance is refreshed in place.
func (r *Registry) RegisterInstance(ctx context.Context, resource *models.FileResource, st *models.Storage, opts InstanceOptions) (*models.FileInstance, error) {
	existing, err := r.store.GetFileInstance(ctx, resource.ID, st.ID)
	if err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("failed to look up instance of %d on '%s': %w", resource.ID, st.Name, err)
	}

	if err == nil {
		if opts.ExpectNew {
			return nil, fmt.Errorf("%w: instance of file resource %d on '%s'",
				errdefs.ErrFileAlreadyExists, resource.ID, st.Name)
		}

		existing.Stale = false
		if opts.Verified {
			now := time.Now().UTC()
			existing.Verified = true
			existing.VerifiedAt = &now
		}
		if err := r.store.UpdateFileInstance(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to update instance %d: %w", existing.ID, err)
		}
		return existing, nil
	}

	instance := &models.FileInstance{
		FileResourceID: resource.ID,
		StorageID:      st.ID,
		Verified:       opts.Verified,
	}
	if opts.Verified {
		now := time.Now().UTC()
		instance.VerifiedAt = &now
	}

	if err := r.store.CreateFileInstance(ctx, instance); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: instance of file resource %d on '%s'",
				errdefs.ErrFileAlreadyExists, resource.ID, st.Name)
		}
		return nil, fmt.Errorf("failed to create instance of %d on '%s': %w", resource.ID, st.Name, err)
	}

	instance.Storage = *st
	r.log.Debug("Registered instance of file resource %d on '%s'", resource.ID, st.Name)
	return instance, nil
}

// RequireInstance returns the instance of resource on st after checking
// that the storage still holds the file. A registered instance whose file
// has disappeared is marked stale.
func (r *Registry) RequireInstance(ctx context.Context, resource *models.FileResource, st *models.Storage, backend storage.Backend) (*models.FileInstance, *storage.FileInfo, error) {
	instance, err := r.store.GetFileInstance(ctx, resource.ID, st.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil, fmt.Errorf("%w: file resource %d on '%s'",
				errdefs.ErrInstanceNotRegistered, resource.ID, st.Name)
		}
		return nil, nil, err
	}

	info, err := backend.Stat(ctx, resource.Path)
	if err != nil {
		if errors.Is(err, errdefs.ErrFileDoesNotExist) {
			if markErr := r.MarkStale(ctx, instance); markErr != nil {
				r.log.Error("Unable to mark instance %d stale: %v", instance.ID, markErr)
			}
		}
		return instance, nil, err
	}

	return instance, info, nil
}

func (r *Registry) MarkStale(ctx context.Context, instance *models.FileInstance) error {
	if instance.Stale {
		return nil
	}
	instance.Stale = true
	r.log.Warn("Instance %d of file resource %d is missing from storage %d",
		instance.ID, instance.FileResourceID, instance.StorageID)
	return r.store.UpdateFileInstance(ctx, instance)
}

// MarkUnverified withdraws trust in an instance without deleting it.
func (r *Registry) MarkUnverified(ctx context.Context, instance *models.FileInstance) error {
	instance.Verified = false
	instance.VerifiedAt = nil
	r.log.Warn("Instance %d of file resource %d on storage %d is no longer verified",
		instance.ID, instance.FileResourceID, instance.StorageID)
	return r.store.UpdateFileInstance(ctx, instance)
}

// VerifiedInstances lists trusted copies of a resource.
func (r *Registry) VerifiedInstances(ctx context.Context, resourceID uint) ([]models.FileInstance, error) {
	instances, err := r.store.ListFileInstances(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	verified := make([]models.FileInstance, 0, len(instances))
	for _, instance := range instances {
		if instance.IsVerified() {
			verified = append(verified, instance)
		}
	}
	return verified, nil
}

// HasVerifiedInstance reports whether st holds a trusted copy of resourceID.
func (r *Registry) HasVerifiedInstance(ctx context.Context, resourceID, storageID uint) (bool, error) {
	instance, err := r.store.GetFileInstance(ctx, resourceID, storageID)
	if err != nil {
		if store.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return instance.IsVerified(), nil
}

// EnsureDataset returns the named dataset, creating it when missing.
func (r *Registry) EnsureDataset(ctx context.Context, name, kind string) (*models.Dataset, error) {
	dataset, err := r.store.GetDatasetByName(ctx, name)
	if err == nil {
		return dataset, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}

	dataset = &models.Dataset{Name: name, Kind: kind}
	if err := r.store.CreateDataset(ctx, dataset); err != nil {
		return nil, fmt.Errorf("failed to create dataset '%s': %w", name, err)
	}
	return dataset, nil
}

// ImportResult summarizes an Import run.
type ImportResult struct {
	Dataset   *models.Dataset
	Resources []*models.FileResource
	Created   int
}

// Import registers files already present on st. Each file is checksummed,
// recorded as a verified instance of its resource and attached to the
// named dataset. An empty path list imports everything the backend lists.
func (r *Registry) Import(ctx context.Context, st *models.Storage, backend storage.Backend, datasetName, datasetKind string, paths []string) (*ImportResult, error) {
	if len(paths) == 0 {
		files, err := backend.List(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("failed to list storage '%s': %w", st.Name, err)
		}
		for _, f := range files {
			paths = append(paths, f.Path)
		}
	}

	dataset, err := r.EnsureDataset(ctx, datasetName, datasetKind)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Dataset: dataset}
	for _, p := range paths {
		cleaned, err := storage.CleanPath(p)
		if err != nil {
			return result, err
		}

		sum, size, err := verify.Compute(ctx, backend, cleaned)
		if err != nil {
			return result, fmt.Errorf("failed to checksum '%s': %w", cleaned, err)
		}

		resource, created, err := r.GetOrCreate(ctx, sum, cleaned, size, KindFromPath(path.Base(cleaned)))
		if err != nil {
			return result, err
		}
		if created {
			result.Created++
		}

		check := &models.MD5Check{
			StorageID: st.ID,
			Path:      cleaned,
			Expected:  resource.MD5,
			Computed:  sum,
			Size:      size,
			Match:     true,
			CheckedAt: time.Now().UTC(),
		}
		if err := r.store.CreateMD5Check(ctx, check); err != nil {
			return result, fmt.Errorf("failed to record md5 check of '%s': %w", cleaned, err)
		}

		if _, err := r.RegisterInstance(ctx, resource, st, InstanceOptions{Verified: true}); err != nil {
			return result, err
		}
		result.Resources = append(result.Resources, resource)
	}

	if err := r.store.AddDatasetFileResources(ctx, dataset, result.Resources...); err != nil {
		return result, fmt.Errorf("failed to attach files to dataset '%s': %w", datasetName, err)
	}

	r.log.Info("Imported %d files (%d new) from '%s' into dataset '%s'",
		len(result.Resources), result.Created, st.Name, datasetName)
	return result, nil
}
