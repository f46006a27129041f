package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

const copyPollInterval = 500 * time.Millisecond

// AzureBlobBackend stores files as block blobs inside a single container.
type AzureBlobBackend struct {
	name      string
	container string
	prefix    string
	client    *azblob.Client
}

// NewAzureBlobBackend connects with a shared account key. An empty endpoint
// selects the public blob service URL of the account.
func NewAzureBlobBackend(name, account, accountKey, container, endpoint, prefix string) (*AzureBlobBackend, error) {
	if account == "" || container == "" {
		return nil, fmt.Errorf("azure storage '%s' requires account and container", name)
	}

	cred, err := azblob.NewSharedKeyCredential(account, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential for '%s': %w", name, err)
	}

	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client for '%s': %w", name, err)
	}

	return &AzureBlobBackend{
		name:      name,
		container: container,
		prefix:    strings.Trim(prefix, "/"),
		client:    client,
	}, nil
}

func (b *AzureBlobBackend) Name() string {
	return b.name
}

func (b *AzureBlobBackend) key(p string) (string, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	if b.prefix == "" {
		return cleaned, nil
	}
	return path.Join(b.prefix, cleaned), nil
}

func (b *AzureBlobBackend) blobClient(key string) *blob.Client {
	return b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(key)
}

func (b *AzureBlobBackend) Exists(ctx context.Context, p string) (bool, error) {
	_, err := b.Stat(ctx, p)
	if err == nil {
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, err
}

func (b *AzureBlobBackend) Stat(ctx context.Context, p string) (*FileInfo, error) {
	key, err := b.key(p)
	if err != nil {
		return nil, err
	}

	props, err := b.blobClient(key).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, notExist(b.name, p)
		}
		return nil, fmt.Errorf("failed to get properties of %s: %w", key, err)
	}

	info := &FileInfo{Path: p}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if len(props.ContentMD5) > 0 {
		info.MD5 = hex.EncodeToString(props.ContentMD5)
	}
	if props.LastModified != nil {
		info.ModTime = *props.LastModified
	}
	return info, nil
}

func (b *AzureBlobBackend) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	key, err := b.key(p)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.DownloadStream(ctx, b.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, notExist(b.name, p)
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return resp.Body, nil
}

func (b *AzureBlobBackend) Stage(ctx context.Context, p string, r io.Reader, size int64) (*Staged, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	temp := StagingPath(cleaned)
	key, err := b.key(temp)
	if err != nil {
		return nil, err
	}

	counter := &countingReader{r: r}
	if _, err := b.client.UploadStream(ctx, b.container, key, counter, nil); err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	return &Staged{Path: cleaned, TempPath: temp, Size: counter.n}, nil
}

// Commit copies the staged blob onto its final name server side and removes
// the staged blob once the copy has succeeded.
func (b *AzureBlobBackend) Commit(ctx context.Context, staged *Staged) error {
	tempKey, err := b.key(staged.TempPath)
	if err != nil {
		return err
	}
	finalKey, err := b.key(staged.Path)
	if err != nil {
		return err
	}

	source := b.blobClient(tempKey)
	target := b.blobClient(finalKey)

	resp, err := target.StartCopyFromURL(ctx, source.URL(), nil)
	if err != nil {
		return fmt.Errorf("failed to start copy to %s: %w", finalKey, err)
	}

	status := resp.CopyStatus
	for status != nil && *status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(copyPollInterval):
		}

		props, err := target.GetProperties(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to poll copy of %s: %w", finalKey, err)
		}
		status = props.CopyStatus
	}

	if status != nil && *status != blob.CopyStatusTypeSuccess {
		return fmt.Errorf("copy to %s ended with status %s", finalKey, *status)
	}

	return b.Delete(ctx, staged.TempPath)
}

func (b *AzureBlobBackend) Discard(ctx context.Context, staged *Staged) error {
	return b.Delete(ctx, staged.TempPath)
}

func (b *AzureBlobBackend) Delete(ctx context.Context, p string) error {
	key, err := b.key(p)
	if err != nil {
		return err
	}

	if _, err := b.client.DeleteBlob(ctx, b.container, key, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (b *AzureBlobBackend) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	listPrefix := b.prefix
	if prefix != "" {
		key, err := b.key(prefix)
		if err != nil {
			return nil, err
		}
		listPrefix = key
	}

	options := &azblob.ListBlobsFlatOptions{}
	if listPrefix != "" {
		options.Prefix = &listPrefix
	}

	var files []FileInfo
	pager := b.client.NewListBlobsFlatPager(b.container, options)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list container %s: %w", b.container, err)
		}

		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(*item.Name, b.prefix), "/")
			if IsStagingPath(rel) {
				continue
			}

			info := FileInfo{Path: rel}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if len(item.Properties.ContentMD5) > 0 {
					info.MD5 = hex.EncodeToString(item.Properties.ContentMD5)
				}
				if item.Properties.LastModified != nil {
					info.ModTime = *item.Properties.LastModified
				}
			}
			files = append(files, info)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
