// Package media downloads image attachments referenced by chat platforms.
//
// Each channel registers a Locator that turns its file reference into a
// download URL plus auth headers. Fetch refuses anything whose declared media
// type is not an image before touching the network.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultMaxBytes = 20 * 1024 * 1024

// Ref identifies a platform file.
type Ref struct {
	Channel   string
	FileID    string
	URL       string
	MediaType string
	Name      string
}

// Location is a resolved download target.
type Location struct {
	URL    string
	Header http.Header
}

// Locator resolves a Ref into a Location for one channel.
type Locator interface {
	Locate(ctx context.Context, ref Ref) (Location, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context, ref Ref) (Location, error)

func (f LocatorFunc) Locate(ctx context.Context, ref Ref) (Location, error) { return f(ctx, ref) }

// Media is a downloaded file.
type Media struct {
	Data      []byte
	MediaType string
}

// Base64 returns the standard base64 encoding of the payload.
func (m Media) Base64() string {
	return base64.StdEncoding.EncodeToString(m.Data)
}

// UnsupportedMediaError reports a non-image attachment.
type UnsupportedMediaError struct {
	MediaType string
}

func (e *UnsupportedMediaError) Error() string {
	return fmt.Sprintf("unsupported media type %q", e.MediaType)
}

// RetrievalError reports a failed download.
type RetrievalError struct {
	Cause error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("media retrieval failed: %v", e.Cause)
}

func (e *RetrievalError) Unwrap() error { return e.Cause }

// ErrTooLarge is wrapped in a RetrievalError when a payload exceeds the limit.
var ErrTooLarge = errors.New("file exceeds size limit")

// IsImage reports whether mediaType belongs to the image family.
func IsImage(mediaType string) bool {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt, "image/")
}

// Fetcher downloads media through registered locators.
type Fetcher struct {
	http     *http.Client
	maxBytes int64

	mu       sync.RWMutex
	locators map[string]Locator
}

// NewFetcher creates a fetcher. A zero or negative maxBytes selects the 20 MiB default.
func NewFetcher(httpClient *http.Client, maxBytes int64) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Fetcher{
		http:     httpClient,
		maxBytes: maxBytes,
		locators: make(map[string]Locator),
	}
}

// Register installs the locator for a channel, replacing any previous one.
func (f *Fetcher) Register(channel string, l Locator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locators[channel] = l
}

// Fetch downloads the referenced image.
func (f *Fetcher) Fetch(ctx context.Context, ref Ref) (Media, error) {
	if !IsImage(ref.MediaType) {
		return Media{}, &UnsupportedMediaError{MediaType: ref.MediaType}
	}

	f.mu.RLock()
	locator, ok := f.locators[ref.Channel]
	f.mu.RUnlock()

	var loc Location
	switch {
	case ok:
		var err error
		loc, err = locator.Locate(ctx, ref)
		if err != nil {
			return Media{}, &RetrievalError{Cause: fmt.Errorf("locate %s file %s: %w", ref.Channel, ref.FileID, err)}
		}
	case ref.URL != "":
		loc = Location{URL: ref.URL}
	default:
		return Media{}, &RetrievalError{Cause: fmt.Errorf("no locator for channel %q", ref.Channel)}
	}

	data, contentType, err := f.download(ctx, loc)
	if err != nil {
		return Media{}, &RetrievalError{Cause: err}
	}

	mediaType, err := servedType(ref.MediaType, contentType)
	if err != nil {
		return Media{}, &RetrievalError{Cause: err}
	}
	return Media{Data: data, MediaType: mediaType}, nil
}

// servedType picks the media type of a downloaded payload. An image type from
// the server wins; an untyped or octet-stream body keeps the declared type.
// Anything else (a login page, a JSON error) is not the requested file.
func servedType(declared, contentType string) (string, error) {
	if contentType == "" {
		return declared, nil
	}
	mt, _, err := mime.ParseMediaType(contentType)
	switch {
	case err != nil:
		return "", fmt.Errorf("unexpected content type %q", contentType)
	case strings.HasPrefix(mt, "image/"):
		return mt, nil
	case mt == "application/octet-stream":
		return declared, nil
	default:
		return "", fmt.Errorf("unexpected content type %q", contentType)
	}
}

func (f *Fetcher) download(ctx context.Context, loc Location) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.URL, nil)
	if err != nil {
		return nil, "", err
	}
	for k, vs := range loc.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("download http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("%w (>%d bytes)", ErrTooLarge, f.maxBytes)
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty file")
	}
	return data, resp.Header.Get("Content-Type"), nil
}
