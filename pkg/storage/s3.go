package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Backend stores files as objects in one bucket of an S3 compatible service.
type S3Backend struct {
	name   string
	bucket string
	prefix string
	client *minio.Client
}

type S3Options struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

func NewS3Backend(name string, opts S3Options) (*S3Backend, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("s3 storage '%s' requires endpoint and bucket", name)
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       opts.UseSSL,
		Region:       opts.Region,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize s3 client for '%s': %w", name, err)
	}

	return &S3Backend{
		name:   name,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		client: client,
	}, nil
}

func (b *S3Backend) Name() string {
	return b.name
}

func (b *S3Backend) key(p string) (string, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	if b.prefix == "" {
		return cleaned, nil
	}
	return path.Join(b.prefix, cleaned), nil
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

// etagMD5 returns the ETag when it is a plain content MD5. Multipart
// uploads carry a "-<parts>" suffix and say nothing about the content.
func etagMD5(etag string) string {
	etag = strings.Trim(etag, "\"")
	if len(etag) != 32 || strings.Contains(etag, "-") {
		return ""
	}
	return strings.ToLower(etag)
}

func (b *S3Backend) Exists(ctx context.Context, p string) (bool, error) {
	_, err := b.Stat(ctx, p)
	if err == nil {
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, err
}

func (b *S3Backend) Stat(ctx context.Context, p string) (*FileInfo, error) {
	key, err := b.key(p)
	if err != nil {
		return nil, err
	}

	obj, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, notExist(b.name, p)
		}
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}

	return &FileInfo{
		Path:    p,
		Size:    obj.Size,
		MD5:     etagMD5(obj.ETag),
		ModTime: obj.LastModified,
	}, nil
}

func (b *S3Backend) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	key, err := b.key(p)
	if err != nil {
		return nil, err
	}

	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}

	// GetObject is lazy; Stat surfaces a missing key before the first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, notExist(b.name, p)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	return obj, nil
}

func (b *S3Backend) Stage(ctx context.Context, p string, r io.Reader, size int64) (*Staged, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	temp := StagingPath(cleaned)
	key, err := b.key(temp)
	if err != nil {
		return nil, err
	}

	info, err := b.client.PutObject(ctx, b.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload object %s: %w", key, err)
	}

	return &Staged{Path: cleaned, TempPath: temp, Size: info.Size}, nil
}

// Commit copies the staged object to its final key and removes the staged
// one. A single CopyObject is limited to 5 GiB, so the copy is composed from
// server-side part copies.
func (b *S3Backend) Commit(ctx context.Context, staged *Staged) error {
	tempKey, err := b.key(staged.TempPath)
	if err != nil {
		return err
	}
	finalKey, err := b.key(staged.Path)
	if err != nil {
		return err
	}

	_, err = b.client.ComposeObject(ctx,
		minio.CopyDestOptions{Bucket: b.bucket, Object: finalKey},
		minio.CopySrcOptions{Bucket: b.bucket, Object: tempKey},
	)
	if err != nil {
		return fmt.Errorf("failed to commit object %s: %w", finalKey, err)
	}

	return b.Delete(ctx, staged.TempPath)
}

func (b *S3Backend) Discard(ctx context.Context, staged *Staged) error {
	return b.Delete(ctx, staged.TempPath)
}

func (b *S3Backend) Delete(ctx context.Context, p string) error {
	key, err := b.key(p)
	if err != nil {
		return err
	}

	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("failed to remove object %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	listPrefix := b.prefix
	if prefix != "" {
		key, err := b.key(prefix)
		if err != nil {
			return nil, err
		}
		listPrefix = key
	}

	var files []FileInfo
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    listPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list bucket %s: %w", b.bucket, obj.Err)
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(obj.Key, b.prefix), "/")
		if IsStagingPath(rel) {
			continue
		}
		files = append(files, FileInfo{
			Path:    rel,
			Size:    obj.Size,
			MD5:     etagMD5(obj.ETag),
			ModTime: obj.LastModified,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
