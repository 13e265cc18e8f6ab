// Package cache maps a request's defining fields to a deterministic
// on-disk location and guards against hash collisions.
//
// The storage key is the md5 of the canonical JSON encoding of
// {url, payload}; headers and timestamps never participate. Each entry
// lives under <root>/<md5-hex>/ as a request.json metadata sidecar plus
// a response.<ext> body file. Before a cached body is served, the
// sidecar must be re-read and compared to the current request; any
// mismatch is a fatal collision, never silently resolved.
package cache

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	sidecarName = "request.json"
	bodyStem    = "response"
)

var (
	// ErrCollision signals that two logically distinct requests mapped
	// to the same storage key. Always fatal: it indicates a hashing or
	// logic defect, and guessing would serve the wrong body.
	ErrCollision = errors.New("cache collision")
	// ErrNoSidecar is wrapped into the collision error when a body file
	// exists without its metadata sidecar, leaving the entry unverifiable.
	ErrNoSidecar = errors.New("metadata sidecar missing")
)

// CollisionError describes a failed sidecar comparison.
type CollisionError struct {
	Path   string
	Detail string
	Err    error
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("%v at %s: %s", e.Err, e.Path, e.Detail)
}

func (e *CollisionError) Unwrap() error {
	return e.Err
}

// Key returns the stable hex storage key for (url, payload). Identical
// inputs always produce identical keys across process runs; encoding/json
// sorts map keys, which keeps the encoding canonical for map payloads.
func Key(url string, payload any) (string, error) {
	b, err := json.Marshal(struct {
		URL     string `json:"url"`
		Payload any    `json:"payload"`
	}{URL: url, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("encoding cache key: %w", err)
	}

	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// Sidecar is the request.json metadata stored next to each cached body.
// Headers and the creation timestamp are diagnostic only; collision
// comparison uses url and payload exclusively.
type Sidecar struct {
	URL       string            `json:"url"`
	Payload   json.RawMessage   `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	CreatedAt time.Time         `json:"created"`
}

// Store is a content-addressed cache rooted at a data folder.
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates a Store rooted at dir. A nil logger falls back to
// slog.Default().
func New(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("data folder must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: dir, logger: logger}, nil
}

// Root returns the data folder the store writes under.
func (s *Store) Root() string { return s.root }

// Paths resolves the sidecar and body locations for (url, payload).
// The body extension derives from the declared response content type.
func (s *Store) Paths(url string, payload any, contentType string) (sidecarPath, bodyPath string, err error) {
	key, err := Key(url, payload)
	if err != nil {
		return "", "", err
	}

	dir := filepath.Join(s.root, key)
	return filepath.Join(dir, sidecarName), filepath.Join(dir, bodyStem+ext(contentType)), nil
}

// ExplicitPath resolves an explicit filename under the data folder.
// Absolute filenames are used verbatim; no sidecar is involved.
func (s *Store) ExplicitPath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(s.root, filename)
}

// Has reports whether a body file already exists at bodyPath.
func (s *Store) Has(bodyPath string) bool {
	info, err := os.Stat(bodyPath)
	return err == nil && !info.IsDir()
}

// Verify re-reads the sidecar at sidecarPath and compares its (url,
// payload) against the current request's. A mismatch or an unreadable
// sidecar returns a *CollisionError wrapping [ErrCollision].
func (s *Store) Verify(sidecarPath, url string, payload any) error {
	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		return &CollisionError{
			Path:   sidecarPath,
			Detail: "cached body cannot be attributed to a request",
			Err:    fmt.Errorf("%w: %w", ErrCollision, ErrNoSidecar),
		}
	}

	var sc Sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return &CollisionError{
			Path:   sidecarPath,
			Detail: "sidecar is not valid JSON",
			Err:    fmt.Errorf("%w: %w", ErrCollision, err),
		}
	}

	if sc.URL != url {
		return &CollisionError{
			Path:   sidecarPath,
			Detail: fmt.Sprintf("cached url %q differs from requested %q", sc.URL, url),
			Err:    ErrCollision,
		}
	}

	want, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for comparison: %w", err)
	}
	if !payloadEqual(sc.Payload, want) {
		return &CollisionError{
			Path:   sidecarPath,
			Detail: "cached payload differs from requested payload",
			Err:    ErrCollision,
		}
	}

	return nil
}

// WriteSidecar persists the metadata sidecar for (url, payload).
func (s *Store) WriteSidecar(sidecarPath, url string, payload any, headers map[string]string) error {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding sidecar payload: %w", err)
	}

	b, err := json.Marshal(Sidecar{
		URL:       url,
		Payload:   rawPayload,
		Headers:   headers,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}

	return s.WriteFile(sidecarPath, b)
}

// ReadBody returns the cached raw body at bodyPath.
func (s *Store) ReadBody(bodyPath string) ([]byte, error) {
	b, err := os.ReadFile(bodyPath)
	if err != nil {
		return nil, fmt.Errorf("reading cached body: %w", err)
	}
	return b, nil
}

// WriteFile writes content to path through a temp file in the same
// directory, fsyncing and renaming on success so readers never observe
// a partial write.
func (s *Store) WriteFile(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	file, err := os.CreateTemp(dir, ".quotafetch-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	var successful bool
	defer func() {
		if err := file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			s.logger.Error("defer closing temp file", "error", err)
		}
		if !successful {
			if err := os.Remove(file.Name()); err != nil {
				s.logger.Error("failed to remove temp file", "error", err)
			}
		}
	}()

	if _, err := file.Write(content); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(file.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	successful = true

	return nil
}

// payloadEqual compares two JSON encodings of a payload, treating a
// missing sidecar payload and JSON null as equal.
func payloadEqual(a json.RawMessage, b []byte) bool {
	norm := func(p []byte) []byte {
		p = bytes.TrimSpace(p)
		if len(p) == 0 {
			return []byte("null")
		}
		return p
	}
	return bytes.Equal(norm(a), norm(b))
}

// ext maps a declared content type to the cached body file extension.
func ext(contentType string) string {
	sub := contentType
	if i := strings.LastIndex(contentType, "/"); i >= 0 {
		sub = contentType[i+1:]
	}
	if i := strings.Index(sub, ";"); i >= 0 {
		sub = sub[:i]
	}
	sub = strings.TrimSpace(strings.TrimPrefix(sub, "x-"))

	switch sub {
	case "":
		return ".bin"
	case "jpeg":
		return ".jpg"
	case "tiff", "geotiff":
		return ".tif"
	case "plain":
		return ".txt"
	default:
		return "." + sub
	}
}
