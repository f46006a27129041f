package storage

import (
	"fmt"
	"sync"

	config "github.com/mwantia/tantalus/internal/config/server"
	"github.com/mwantia/tantalus/pkg/db/models"
)

// Resolver maps a storage record onto a usable backend.
type Resolver interface {
	Resolve(storage *models.Storage) (Backend, error)
}

// Backends resolves storages lazily and caches one backend per storage name.
type Backends struct {
	mutex       sync.Mutex
	credentials map[string]config.StorageCredentials
	cache       map[string]Backend
}

func NewBackends(credentials map[string]config.StorageCredentials) *Backends {
	if credentials == nil {
		credentials = make(map[string]config.StorageCredentials)
	}
	return &Backends{
		credentials: credentials,
		cache:       make(map[string]Backend),
	}
}

// Register pins a backend under name, replacing whatever was resolved before.
func (b *Backends) Register(name string, backend Backend) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.cache[name] = backend
}

func (b *Backends) Resolve(storage *models.Storage) (Backend, error) {
	if storage == nil {
		return nil, fmt.Errorf("cannot resolve nil storage")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if backend, exists := b.cache[storage.Name]; exists {
		return backend, nil
	}

	backend, err := b.create(storage)
	if err != nil {
		return nil, err
	}

	b.cache[storage.Name] = backend
	return backend, nil
}

func (b *Backends) create(storage *models.Storage) (Backend, error) {
	creds := b.credentials[storage.Name]

	switch storage.Kind {
	case models.StorageKindServer:
		return NewServerBackend(storage.Name, storage.Host, storage.Root)
	case models.StorageKindAzureBlob:
		return NewAzureBlobBackend(storage.Name, storage.Account, creds.AccountKey,
			storage.Container, storage.Endpoint, storage.Prefix)
	case models.StorageKindS3:
		return NewS3Backend(storage.Name, S3Options{
			Endpoint:  storage.Endpoint,
			Bucket:    storage.Bucket,
			Prefix:    storage.Prefix,
			AccessKey: creds.AccessKey,
			SecretKey: creds.SecretKey,
			Region:    creds.Region,
			UseSSL:    creds.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unsupported storage kind '%s' for '%s'", storage.Kind, storage.Name)
	}
}
