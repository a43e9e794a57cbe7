// ABOUTME: Resolves image references into base64 data URLs for multimodal requests
// ABOUTME: Remote URLs are fetched with a size cap; local files are read and sniffed

package images

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// MaxImageBytes caps the size of a fetched or loaded image.
const MaxImageBytes = 20 << 20

var (
	// ErrNotImage is returned when the payload's MIME type is not image/*.
	ErrNotImage = errors.New("not an image")

	// ErrTooLarge is returned when an image exceeds MaxImageBytes.
	ErrTooLarge = errors.New("image too large")

	// ErrInvalidDataURL is returned for malformed data URLs.
	ErrInvalidDataURL = errors.New("invalid data URL")

	// ErrUnsupportedRef is returned for references that are neither data nor http(s) URLs.
	ErrUnsupportedRef = errors.New("unsupported image reference")
)

// IsDataURL reports whether ref is already an inline data URL.
func IsDataURL(ref string) bool {
	return strings.HasPrefix(ref, "data:")
}

// IsRemote reports whether ref must be fetched before it can be sent upstream.
func IsRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// ToDataURL converts ref into a data URL. Data URLs are validated and returned
// unchanged; http(s) URLs are downloaded.
func ToDataURL(ctx context.Context, client *http.Client, ref string) (string, error) {
	switch {
	case IsDataURL(ref):
		if _, _, err := ParseDataURL(ref); err != nil {
			return "", err
		}
		return ref, nil
	case IsRemote(ref):
		return fetch(ctx, client, ref)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
	}
}

func fetch(ctx context.Context, client *http.Client, url string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetching image: HTTP %d", resp.StatusCode)
	}

	data, err := readCapped(resp.Body)
	if err != nil {
		return "", err
	}

	mimeType := mediaType(resp.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return Encode(mimeType, data)
}

// FromFile reads a local image and returns it as a data URL.
func FromFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening image: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := readCapped(f)
	if err != nil {
		return "", err
	}

	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		// Sniffing misses formats like SVG; fall back to the extension.
		if byExt := mediaType(mime.TypeByExtension(filepath.Ext(path))); byExt != "" {
			mimeType = byExt
		}
	}
	return Encode(mimeType, data)
}

// Encode builds a base64 data URL from raw bytes.
func Encode(mimeType string, data []byte) (string, error) {
	mimeType = mediaType(mimeType)
	if !strings.HasPrefix(mimeType, "image/") {
		return "", fmt.Errorf("%w: %s", ErrNotImage, mimeType)
	}
	if len(data) > MaxImageBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// ParseDataURL validates a base64 image data URL and returns its MIME type
// and decoded payload.
func ParseDataURL(ref string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(ref, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing data: prefix", ErrInvalidDataURL)
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing payload", ErrInvalidDataURL)
	}
	mimeType, ok := strings.CutSuffix(header, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("%w: payload is not base64", ErrInvalidDataURL)
	}
	mimeType = mediaType(mimeType)
	if !strings.HasPrefix(mimeType, "image/") {
		return "", nil, fmt.Errorf("%w: %s", ErrNotImage, mimeType)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return mimeType, data, nil
}

func readCapped(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	if n > MaxImageBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, MaxImageBytes)
	}
	return buf.Bytes(), nil
}

// mediaType strips parameters and normalizes case.
func mediaType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return mt
}
