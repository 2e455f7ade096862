// Package media downloads attachments and prepares images for the model.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/h2non/filetype"
	ftypes "github.com/h2non/filetype/types"
	"golang.org/x/sync/singleflight"
)

const (
	// MaxEdge is the longest side, in pixels, of images handed to the model.
	MaxEdge = 1024
	// maxDownloadSize limits attachment bodies to 20 MB.
	maxDownloadSize = 20 * 1024 * 1024
	octetStream     = "application/octet-stream"
)

// ErrNotImage is returned by ImageDataURL for content that is not a decodable image.
var ErrNotImage = errors.New("media: not an image")

// File is downloaded content with its sniffed MIME type.
type File struct {
	Name string
	MIME string
	Data []byte
}

// IsImage reports whether the sniffed type is an image.
func (f *File) IsImage() bool { return strings.HasPrefix(f.MIME, "image/") }

// Package-level so tests can cover sniffing and encoding failures.
var (
	filetypeMatchFunc func([]byte) (ftypes.Type, error) = filetype.Match
	encodeFunc                                          = imaging.Encode
)

// Downloader fetches attachments over HTTP. Data URLs are decoded in place.
type Downloader struct {
	client  *http.Client
	timeout time.Duration

	// Concurrent ImageDataURL calls for one URL share a single download.
	images singleflight.Group
}

// NewDownloader bounds each download by timeout when it is positive.
func NewDownloader(timeout time.Duration) *Downloader {
	return &Downloader{client: &http.Client{}, timeout: timeout}
}

// Download fetches url and sniffs its type from the content, not the headers.
func (d *Downloader) Download(ctx context.Context, url string) (*File, error) {
	if strings.HasPrefix(url, "data:") {
		return DecodeDataURL(url)
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("media: create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: download %s: HTTP %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		return nil, fmt.Errorf("media: read body: %w", err)
	}
	mime, err := Sniff(data)
	if err != nil {
		return nil, err
	}
	return &File{Name: baseName(url), MIME: mime, Data: data}, nil
}

// ImageDataURL downloads an image, shrinks it to fit MaxEdge and returns it
// as a data URL.
func (d *Downloader) ImageDataURL(ctx context.Context, url string) (string, error) {
	if strings.HasPrefix(url, "data:") {
		return d.imageDataURL(ctx, url)
	}
	v, err, _ := d.images.Do(url, func() (any, error) {
		return d.imageDataURL(ctx, url)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (d *Downloader) imageDataURL(ctx context.Context, url string) (string, error) {
	f, err := d.Download(ctx, url)
	if err != nil {
		return "", err
	}
	if !f.IsImage() {
		return "", fmt.Errorf("%w: %s", ErrNotImage, f.MIME)
	}
	return Downscale(f.Data)
}

// Downscale decodes an image and re-encodes it to fit within MaxEdge. JPEG
// input stays JPEG; everything else becomes PNG.
func Downscale(data []byte) (string, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	b := src.Bounds()
	var img image.Image = src
	if b.Dx() > MaxEdge || b.Dy() > MaxEdge {
		img = imaging.Fit(src, MaxEdge, MaxEdge, imaging.Lanczos)
	}

	format, mime := imaging.PNG, "image/png"
	if kind, _ := filetypeMatchFunc(data); kind.MIME.Value == "image/jpeg" {
		format, mime = imaging.JPEG, "image/jpeg"
	}
	var buf bytes.Buffer
	if err := encodeFunc(&buf, img, format); err != nil {
		return "", fmt.Errorf("media: encode image: %w", err)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Sniff returns the MIME type of data from its magic bytes.
func Sniff(data []byte) (string, error) {
	head := data
	if len(head) > 261 {
		head = head[:261]
	}
	kind, err := filetypeMatchFunc(head)
	if err != nil {
		return "", fmt.Errorf("media: filetype match: %w", err)
	}
	if kind == filetype.Unknown {
		return octetStream, nil
	}
	return kind.MIME.Value, nil
}

// DecodeDataURL parses a base64 data URL. The declared type is checked
// against the content and the sniffed type wins.
func DecodeDataURL(url string) (*File, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return nil, errors.New("media: not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, errors.New("media: only base64 data URLs are supported")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("media: decode data URL: %w", err)
	}
	mime, err := Sniff(data)
	if err != nil {
		return nil, err
	}
	if mime == octetStream {
		if declared := strings.TrimSuffix(meta, ";base64"); declared != "" {
			mime = declared
		}
	}
	return &File{Name: "attachment", MIME: mime, Data: data}, nil
}

func baseName(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	if i := strings.LastIndex(url, "/"); i >= 0 && i < len(url)-1 {
		return url[i+1:]
	}
	return "attachment"
}
