package tileindex

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const lockRetryDelay = 200 * time.Millisecond

// Materialize returns the local path of tile id, downloading the tile when no local copy exists.
// It returns ErrNotFound when the index has no remote path for id. A failed download is retried
// once and never leaves a partial file behind.
func (ix *Index) Materialize(ctx context.Context, id string) (string, error) {
	remote, ok := ix.Resolve(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	local := ix.LocalPath(remote)
	if !ix.withinStorageRoot(local) {
		return "", fmt.Errorf("tile %s: remote path %q leaves the storage root", id, remote)
	}
	if exists(local) {
		return local, nil
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", err
	}

	// other processes may share the storage root
	lock := flock.New(local + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return "", fmt.Errorf("locking %s: %w", local, err)
	}
	if !locked {
		return "", fmt.Errorf("could not lock %s", local)
	}
	defer func() {
		_ = lock.Unlock()
	}()
	if exists(local) {
		return local, nil
	}

	if err = ix.download(ctx, id, remote, local); err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		log.Printf("downloading %s failed, retrying once: %v", id, err)
		if err = ix.download(ctx, id, remote, local); err != nil {
			return "", err
		}
	}
	return local, nil
}

func (ix *Index) download(ctx context.Context, id, remote, local string) error {
	if err := ix.limiter.Wait(ctx); err != nil {
		return err
	}
	u, err := url.Parse(strings.TrimSuffix(ix.opts.DownloadURL, "/") + remote)
	if err != nil {
		return err
	}
	ix.withAPIKey(u)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("download %s: %w", id, redactErr(err))
	}
	start := time.Now()
	resp, err := ix.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", id, redactErr(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("download %s: unexpected status %s: %s", id, resp.Status, strings.TrimSpace(string(body)))
	}

	tmp := filepath.Join(filepath.Dir(local), "."+filepath.Base(local)+"."+uuid.NewString()+".part")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && resp.ContentLength >= 0 && n != resp.ContentLength {
		err = fmt.Errorf("got %d of %d bytes", n, resp.ContentLength)
	}
	if err == nil {
		err = os.Rename(tmp, local)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("download %s: %w", id, redactErr(err))
	}

	ix.metrics.Downloads.Inc()
	ix.metrics.DownloadedBytes.Add(float64(n))
	log.Printf("downloaded %s (%s in %s)", id, humanize.Bytes(uint64(n)), time.Since(start).Round(time.Millisecond))
	return nil
}

func exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}
