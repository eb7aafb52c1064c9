// Package repository fetches model files from local paths, http(s) servers
// and Google Cloud Storage.
//
// A model lives under a directory-like location holding metadata.json,
// model.json and the weight shards model.json references:
//
//	web_model/metadata.json
//	file:///srv/models/b18/model.json
//	https://models.example.org/b18/group1-shard1of2.bin
//	gs://katago-models/b18/model.json
//
// Missing objects are reported with errors for which
// errors.Is(err, os.ErrNotExist) holds, whatever the scheme.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/wippyai/nnbridge/inference"
)

const (
	MetadataFile = "metadata.json"
	ModelFile    = "model.json"
)

type Option func(*Fetcher)

// WithBase resolves relative model locations against base.
func WithBase(base string) Option {
	return func(f *Fetcher) {
		f.base = base
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.http = c
	}
}

// WithGCSOptions replaces the client options used for gs:// locations.
// The default is an unauthenticated client, which is enough for public
// buckets.
func WithGCSOptions(opts ...option.ClientOption) Option {
	return func(f *Fetcher) {
		f.gcsOpts = opts
	}
}

// Fetcher reads model files. It is safe for concurrent use.
type Fetcher struct {
	http    *http.Client
	gcs     *storage.Client
	base    string
	gcsOpts []option.ClientOption
	mu      sync.Mutex
}

var _ inference.MetadataSource = (*Fetcher)(nil)

func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		http:    &http.Client{},
		gcsOpts: []option.ClientOption{option.WithoutAuthentication()},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Resolve returns the absolute location of model.
func (f *Fetcher) Resolve(model string) string {
	if f.base == "" || isAbsolute(model) {
		return model
	}
	return Join(f.base, model)
}

// FetchMetadata reads <model>/metadata.json.
func (f *Fetcher) FetchMetadata(ctx context.Context, model string) (inference.Metadata, error) {
	var md inference.Metadata
	if err := f.ReadJSON(ctx, Join(f.Resolve(model), MetadataFile), &md); err != nil {
		return inference.Metadata{}, err
	}
	return md, nil
}

// ReadJSON reads location and decodes it into v.
func (f *Fetcher) ReadJSON(ctx context.Context, location string, v any) error {
	data, err := f.ReadAll(ctx, location)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %q: %w", location, err)
	}
	return nil
}

// ReadAll reads the whole object at location.
func (f *Fetcher) ReadAll(ctx context.Context, location string) ([]byte, error) {
	startedAt := time.Now()
	r, err := f.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", location, err)
	}
	Logger().Debug("fetched",
		zap.String("location", location),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(startedAt)))
	return data, nil
}

// Open opens the object at location for reading.
func (f *Fetcher) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Bare paths, including Windows drive letters.
		return openFile(location)
	}
	switch u.Scheme {
	case "file":
		return openFile(filepath.FromSlash(u.Path))
	case "http", "https":
		return f.openHTTP(ctx, location)
	case "gs":
		return f.openGCS(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, fmt.Errorf("unsupported model location scheme %q", u.Scheme)
	}
}

// Close releases the storage client, if one was created.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gcs == nil {
		return nil
	}
	err := f.gcs.Close()
	f.gcs = nil
	return err
}

func openFile(p string) (io.ReadCloser, error) {
	file, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening model file: %w", err)
	}
	return file, nil
}

func (f *Fetcher) openHTTP(ctx context.Context, location string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s not found: %w", location, os.ErrNotExist)
		}
		return nil, fmt.Errorf("unexpected status fetching %s: %v", location, resp.Status)
	}
	return resp.Body, nil
}

func (f *Fetcher) openGCS(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	if bucket == "" || object == "" {
		return nil, fmt.Errorf("gs location needs a bucket and an object: gs://%s/%s", bucket, object)
	}
	client, err := f.storageClient(ctx)
	if err != nil {
		return nil, err
	}
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		gcsURL := "gs://" + bucket + "/" + object
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%s: %w: %w", gcsURL, os.ErrNotExist, err)
		}
		return nil, fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	return r, nil
}

func (f *Fetcher) storageClient(ctx context.Context) (*storage.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gcs != nil {
		return f.gcs, nil
	}
	// The client outlives this request, so it must not inherit ctx.
	client, err := storage.NewClient(context.WithoutCancel(ctx), f.gcsOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	f.gcs = client
	return client, nil
}

func isAbsolute(location string) bool {
	if u, err := url.Parse(location); err == nil && len(u.Scheme) > 1 {
		return true
	}
	return filepath.IsAbs(location)
}

// Join appends elem to a location, keeping its scheme.
func Join(base string, elem ...string) string {
	u, err := url.Parse(base)
	if err != nil || len(u.Scheme) <= 1 {
		return filepath.Join(append([]string{base}, elem...)...)
	}
	if u.Scheme == "file" {
		u.Path = path.Join(append([]string{u.Path}, elem...)...)
		return u.String()
	}
	return u.JoinPath(elem...).String()
}

// Dir returns the location of the directory holding location.
func Dir(location string) string {
	u, err := url.Parse(location)
	if err != nil || len(u.Scheme) <= 1 {
		return filepath.Dir(location)
	}
	u.Path = path.Dir(u.Path)
	return u.String()
}
