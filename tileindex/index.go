// Package tileindex knows which elevation tiles the remote file service publishes and
// materializes them as local files.
package tileindex

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pdok/hoogte/metrics"
)

const (
	DefaultFeedURL     = "https://tiedostopalvelu.maanmittauslaitos.fi/tp/feed/mtp/korkeusmalli/hila_2m"
	DefaultDownloadURL = "https://tiedostopalvelu.maanmittauslaitos.fi/tp/tilauslataus"

	tileFormat = "image/tiff"
	tileSuffix = ".tif"
)

// ErrNotFound is returned for tiles the remote service does not publish.
var ErrNotFound = errors.New("tile not available")

type Options struct {
	FeedURL     string
	DownloadURL string
	APIKey      string
	// directory the remote paths are mirrored into
	StorageRoot string
	// 0 means unlimited
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Cache shares a crawled index between runs or processes.
type Cache interface {
	Load(ctx context.Context) (map[string]string, error)
	Store(ctx context.Context, paths map[string]string) error
}

// Index maps tile ids to remote paths.
type Index struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	cache   Cache
	metrics *metrics.Metrics

	mu    sync.RWMutex
	paths map[string]string
}

// New creates an empty index, fill it with Build. cache and m may be nil.
func New(opts Options, cache Cache, m *metrics.Metrics) *Index {
	if opts.FeedURL == "" {
		opts.FeedURL = DefaultFeedURL
	}
	if opts.DownloadURL == "" {
		opts.DownloadURL = DefaultDownloadURL
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Index{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		cache:   cache,
		metrics: metrics.OrNew(m),
		paths:   make(map[string]string),
	}
}

// Resolve returns the remote path of tile id.
func (ix *Index) Resolve(id string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	p, ok := ix.paths[id]
	return p, ok
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.paths)
}

func (ix *Index) set(paths map[string]string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.paths = paths
}

// LocalPath is where the tile with the given remote path is stored.
func (ix *Index) LocalPath(remote string) string {
	return filepath.Join(ix.opts.StorageRoot, filepath.FromSlash(strings.TrimPrefix(remote, "/")))
}

func (ix *Index) withAPIKey(u *url.URL) *url.URL {
	q := u.Query()
	if q.Get("api_key") == "" && ix.opts.APIKey != "" {
		q.Set("api_key", ix.opts.APIKey)
	}
	u.RawQuery = q.Encode()
	return u
}

// redact hides the api key in URLs that end up in log messages and errors.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Has("api_key") {
		q.Set("api_key", "xxx")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// redactErr hides the api key in the URL that errors of the http client carry.
func redactErr(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		ue.URL = redact(ue.URL)
	}
	return err
}

// validRemote rejects remote paths that climb out of the directory they are mirrored into.
func validRemote(remote string) bool {
	for _, seg := range strings.Split(remote, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

func (ix *Index) withinStorageRoot(local string) bool {
	rel, err := filepath.Rel(ix.opts.StorageRoot, local)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
