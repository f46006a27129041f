// Package verify computes content checksums of stored files and records
// every comparison in the metadata store.
package verify

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mwantia/tantalus/pkg/db/models"
	"github.com/mwantia/tantalus/pkg/db/store"
	"github.com/mwantia/tantalus/pkg/log"
	"github.com/mwantia/tantalus/pkg/storage"
)

const bufferSize = 1 << 20

type Service struct {
	store store.MetadataStore
	log   log.LoggerService
}

func NewService(s store.MetadataStore, logger log.LoggerService) *Service {
	return &Service{
		store: s,
		log:   logger.Named("verify"),
	}
}

// Digest streams r through MD5 and returns the lowercase hex digest and the
// number of bytes read.
func Digest(r io.Reader) (string, int64, error) {
	hash := md5.New()
	n, err := io.CopyBuffer(hash, r, make([]byte, bufferSize))
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}

// Compute reads path from backend and returns its MD5 and size.
func Compute(ctx context.Context, backend storage.Backend, path string) (string, int64, error) {
	reader, err := backend.Open(ctx, path)
	if err != nil {
		return "", 0, err
	}
	defer reader.Close()

	sum, n, err := Digest(&ctxReader{ctx: ctx, r: reader})
	if err != nil {
		return "", n, fmt.Errorf("failed to read '%s' on '%s': %w", path, backend.Name(), err)
	}
	return sum, n, nil
}

// Verify computes the checksum of path on st and compares it against
// expected. The outcome is persisted whether or not it matches; a mismatch
// is reported through the returned record, not as an error.
func (s *Service) Verify(ctx context.Context, st *models.Storage, backend storage.Backend, path, expected string, transferID *uint) (*models.MD5Check, error) {
	return s.verify(ctx, st, backend, path, path, expected, transferID)
}

// VerifyStaged checks a staged copy before it is committed. The check is
// recorded under the final path.
func (s *Service) VerifyStaged(ctx context.Context, st *models.Storage, backend storage.Backend, staged *storage.Staged, expected string, transferID *uint) (*models.MD5Check, error) {
	return s.verify(ctx, st, backend, staged.TempPath, staged.Path, expected, transferID)
}

func (s *Service) verify(ctx context.Context, st *models.Storage, backend storage.Backend, readPath, path, expected string, transferID *uint) (*models.MD5Check, error) {
	computed, size, err := Compute(ctx, backend, readPath)
	if err != nil {
		return nil, err
	}

	check := &models.MD5Check{
		StorageID:      st.ID,
		Path:           path,
		FileTransferID: transferID,
		Expected:       strings.ToLower(strings.TrimSpace(expected)),
		Computed:       computed,
		Size:           size,
		CheckedAt:      time.Now().UTC(),
	}
	check.Match = check.Expected == check.Computed

	if err := s.store.CreateMD5Check(ctx, check); err != nil {
		return nil, fmt.Errorf("failed to record md5 check of '%s': %w", path, err)
	}

	if check.Match {
		s.log.Debug("Checksum of '%s' on '%s' matches %s", path, st.Name, computed)
	} else {
		s.log.Warn("Checksum mismatch for '%s' on '%s': expected %s, computed %s",
			path, st.Name, check.Expected, computed)
	}

	return check, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
