package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// Content types accepted for stored files.
const (
	ContentTypeFITS = "application/fits"
	ContentTypePNG  = "image/png"
	ContentTypeText = "text/plain"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("storage: object not found")

// FileStore handles spec1d, sensitivity and QA file storage
type FileStore interface {
	GenerateUploadURL(ctx context.Context, key string, contentType string) (string, error)
	GenerateDownloadURL(ctx context.Context, key string) (string, error)
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// ContentTypeFor guesses the content type of key from its extension.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".fits", ".fit", ".fts":
		return ContentTypeFITS
	case ".png":
		return ContentTypePNG
	default:
		return ContentTypeText
	}
}

func validateContentType(contentType string) error {
	switch contentType {
	case ContentTypeFITS, ContentTypePNG, ContentTypeText:
		return nil
	}
	return fmt.Errorf("invalid content type: %s. Supported types: %s, %s, %s",
		contentType, ContentTypeFITS, ContentTypePNG, ContentTypeText)
}

// CleanKey normalizes a storage key and rejects keys escaping the store.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid storage key %q", key)
		}
	}
	k := strings.TrimPrefix(path.Clean("/"+key), "/")
	if k == "" {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return k, nil
}

// UploadBytes stores data under key with the content type implied by the key.
func UploadBytes(ctx context.Context, store FileStore, key string, data []byte) error {
	return store.Upload(ctx, key, bytes.NewReader(data), ContentTypeFor(key))
}
