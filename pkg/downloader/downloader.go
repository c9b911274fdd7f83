// Package downloader fetches service and layer artifacts to local files.
// Plain http(s) URLs are fetched directly with retry; docker:// URLs name a
// registry blob by digest and are pulled through the registry client.
package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/openfleet/servicemanager/pkg/imagehandler"
	"github.com/openfleet/servicemanager/pkg/types"
)

const (
	registryScheme     = "docker://"
	maxRetries         = 3
	initialRetryPause  = 500 * time.Millisecond
	downloadPermission = 0o600
)

// Downloader fetches artifacts.
type Downloader struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a downloader.
func New() *Downloader {
	return &Downloader{
		client: &http.Client{},
		logger: slog.Default().With("component", "downloader"),
	}
}

// Download fetches url into dest and verifies the expected size and SHA-256.
// Transient failures are retried with exponential backoff; cancellation
// aborts between attempts and mid-transfer.
func (d *Downloader) Download(ctx context.Context, url, dest string, size uint64, sha256 []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(initialRetryPause)), maxRetries), ctx)

	attempt := func() error {
		if strings.HasPrefix(url, registryScheme) {
			return d.fetchRegistryBlob(ctx, url, dest)
		}

		return d.fetchHTTP(ctx, url, dest)
	}

	err := backoff.Retry(func() error {
		if err := attempt(); err != nil {
			d.logger.WarnContext(ctx, "download attempt failed", "url", url, "error", err)

			return err
		}

		return nil
	}, policy)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("download %s: %w", url, types.ErrCancelled)
		}

		return fmt.Errorf("download %s: %w", url, err)
	}

	if err := imagehandler.CheckFileInfo(dest, size, sha256); err != nil {
		os.Remove(dest)

		return err
	}

	d.logger.InfoContext(ctx, "artifact downloaded", "url", url, "dest", dest, "size", size)

	return nil
}

func (d *Downloader) fetchHTTP(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("get %s: status %s: %w", url, resp.Status, types.ErrFailed)

		// Client errors are not transient.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}

		return err
	}

	return writeStream(dest, resp.Body)
}

// fetchRegistryBlob pulls a layer blob addressed as
// docker://<repository>@<digest> through the registry client.
func (d *Downloader) fetchRegistryBlob(ctx context.Context, url, dest string) error {
	ref, err := name.NewDigest(strings.TrimPrefix(url, registryScheme))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("invalid registry reference: %w", types.ErrInvalidArgument))
	}

	layer, err := remote.Layer(ref, remote.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("fetch registry layer: %w", err)
	}

	reader, err := layer.Compressed()
	if err != nil {
		return fmt.Errorf("open registry layer: %w", err)
	}
	defer reader.Close()

	return writeStream(dest, reader)
}

func writeStream(dest string, reader io.Reader) error {
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, downloadPermission)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create download file: %w", err))
	}

	if _, err := io.Copy(file, reader); err != nil {
		file.Close()
		os.Remove(dest)

		return fmt.Errorf("write download file: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()

		return fmt.Errorf("sync download file: %w", err)
	}

	return file.Close()
}
