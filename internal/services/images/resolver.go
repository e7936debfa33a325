package images

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/gabriel-vasile/mimetype"

	"github.com/fighter4/ChartSight/internal/domain/models"
	"github.com/fighter4/ChartSight/pkg/config"
	xhttp "github.com/fighter4/ChartSight/pkg/http"
	"github.com/fighter4/ChartSight/pkg/logger"
	"github.com/fighter4/ChartSight/pkg/util"
)

const defaultMaxBytes = 10 << 20

var (
	// ErrNotImage is returned when the fetched bytes are not an image.
	ErrNotImage = errors.New("reference is not an image")
	// ErrTooLarge is returned when an image exceeds the configured size.
	ErrTooLarge = errors.New("image exceeds size limit")
	// ErrUnsupportedRef is returned for references with an unknown scheme.
	ErrUnsupportedRef = errors.New("unsupported image reference")
)

// blobDownloader is the subset of azblob.Client used to read charts.
type blobDownloader interface {
	DownloadStream(ctx context.Context, containerName, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
}

// Resolver turns data URIs, http(s) URLs and azblob://container/blob paths
// into image bytes.
type Resolver struct {
	http     *xhttp.Client
	blobs    blobDownloader
	maxBytes int64
	logger   *logger.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithBlobClient enables azblob:// references.
func WithBlobClient(c blobDownloader) Option {
	return func(r *Resolver) { r.blobs = c }
}

// WithHTTPClient replaces the client used for http(s) references.
func WithHTTPClient(c *xhttp.Client) Option {
	return func(r *Resolver) { r.http = c }
}

// NewResolver builds a resolver from the images config section. Azure blob
// access is enabled when an account is configured.
func NewResolver(cfg config.ImagesConfig, l *logger.Logger, opts ...Option) (*Resolver, error) {
	if l == nil {
		l = logger.Nop()
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	r := &Resolver{
		http:     xhttp.NewClient(xhttp.WithTimeout(timeout)),
		maxBytes: cfg.MaxBytes,
		logger:   l,
	}
	if r.maxBytes <= 0 {
		r.maxBytes = defaultMaxBytes
	}
	if cfg.AzureAccount != "" {
		blobs, err := newAzureBlobClient(cfg.AzureAccount, cfg.AzureKey)
		if err != nil {
			return nil, err
		}
		r.blobs = blobs
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func newAzureBlobClient(account, key string) (*azblob.Client, error) {
	cred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net", account),
		cred,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("azure blob client: %w", err)
	}
	return client, nil
}

// Resolve implements service.ImageResolver.
func (r *Resolver) Resolve(ctx context.Context, ref models.ImageRef) (models.Image, error) {
	s := strings.TrimSpace(string(ref))
	var (
		data []byte
		err  error
	)
	switch {
	case ref.IsDataURI():
		data, err = decodeDataURI(s)
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		data, err = r.fetchHTTP(ctx, s)
	case strings.HasPrefix(s, "azblob://"):
		data, err = r.fetchBlob(ctx, s)
	default:
		return models.Image{}, fmt.Errorf("%w: %q", ErrUnsupportedRef, util.Truncate(s, 32))
	}
	if err != nil {
		return models.Image{}, err
	}
	return r.sniff(data)
}

func (r *Resolver) sniff(data []byte) (models.Image, error) {
	if int64(len(data)) > r.maxBytes {
		return models.Image{}, ErrTooLarge
	}
	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return models.Image{}, fmt.Errorf("%w: detected %s", ErrNotImage, mime.String())
	}
	return models.Image{MIMEType: mime.String(), Data: data}, nil
}

func decodeDataURI(s string) ([]byte, error) {
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return nil, errors.New("malformed data uri")
	}
	header, payload := s[len("data:"):comma], s[comma+1:]
	if !strings.HasSuffix(header, ";base64") {
		return nil, errors.New("data uri must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data uri: %w", err)
	}
	return data, nil
}

func (r *Resolver) fetchHTTP(ctx context.Context, u string) ([]byte, error) {
	resp, err := r.http.Get(ctx, u, map[string]string{"Accept": "image/png, image/jpeg, image/webp, image/gif, */*"})
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	return r.readLimited(resp.Body)
}

func (r *Resolver) fetchBlob(ctx context.Context, ref string) ([]byte, error) {
	if r.blobs == nil {
		return nil, fmt.Errorf("%w: azure storage is not configured", ErrUnsupportedRef)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid blob reference: %w", err)
	}
	container, blob := u.Host, strings.TrimPrefix(u.Path, "/")
	if container == "" || blob == "" {
		return nil, fmt.Errorf("invalid blob reference %q: want azblob://container/blob", ref)
	}
	resp, err := r.blobs.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("download blob: %w", err)
	}
	defer resp.Body.Close()
	r.logger.Debug("chart downloaded from blob storage", logger.String("container", container), logger.String("blob", blob))
	return r.readLimited(resp.Body)
}

func (r *Resolver) readLimited(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}
