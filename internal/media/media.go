// Package media keeps voice and image payloads received from the messaging
// transport on local disk and hands out opaque references to them.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("media not found")
	ErrInvalidRef = errors.New("invalid media reference")
	ErrTooLarge   = errors.New("media exceeds size limit")
)

// Store keeps media and resolves references.
type Store interface {
	Store(ctx context.Context, r io.Reader, contentType string) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, string, error)
}

var refPattern = regexp.MustCompile(`^[0-9a-f-]{36}(\.[a-z0-9]{1,8})?$`)

// DirStore stores each object as <uuid><ext> under Root.
type DirStore struct {
	Root     string
	MaxBytes int64
}

var _ Store = (*DirStore)(nil)

func NewDirStore(root string, maxBytes int64) (*DirStore, error) {
	if root == "" {
		return nil, errors.New("media directory required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}
	return &DirStore{Root: root, MaxBytes: maxBytes}, nil
}

var knownTypes = map[string]string{
	"audio/ogg":  ".ogg",
	"audio/mpeg": ".mp3",
	"audio/mp4":  ".m4a",
	"image/jpeg": ".jpg",
	"image/png":  ".png",
}

func extensionFor(contentType string) string {
	base, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if ext, ok := knownTypes[base]; ok {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(base); len(exts) > 0 {
		return exts[0]
	}
	return ""
}

func typeFor(ext string) string {
	for ct, e := range knownTypes {
		if e == ext {
			return ct
		}
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Store writes r to a temporary file and renames it into place once complete.
func (d *DirStore) Store(ctx context.Context, r io.Reader, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := uuid.NewString() + extensionFor(contentType)
	tmp, err := os.CreateTemp(d.Root, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, d.MaxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	if n > d.MaxBytes {
		return "", ErrTooLarge
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.Root, ref)); err != nil {
		return "", fmt.Errorf("store media: %w", err)
	}
	return ref, nil
}

// Open returns the stored object and its content type.
func (d *DirStore) Open(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if !refPattern.MatchString(ref) {
		return nil, "", ErrInvalidRef
	}
	f, err := os.Open(filepath.Join(d.Root, ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return f, typeFor(strings.ToLower(filepath.Ext(ref))), nil
}
