// Package objectstore implements archiver.ArchiveWriter against any
// PUT-semantics HTTP object store (S3 presigned URL, GCS resumable
// session, etc). No concrete cloud SDK appears anywhere in this module's
// dependency set, so the writer is built on a minimal Uploader interface
// a caller satisfies with whichever SDK or presigned-URL client their
// deployment uses.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
)

// Uploader performs one whole-object PUT. Implementations must be atomic
// from the reader's point of view: either the object appears in full, or
// not at all.
type Uploader interface {
	Put(ctx context.Context, path string, data []byte) error
}

// Writer adapts an Uploader to archiver.ArchiveWriter.
type Writer struct {
	uploader Uploader
}

// New wraps uploader.
func New(uploader Uploader) *Writer {
	return &Writer{uploader: uploader}
}

func (w *Writer) Write(ctx context.Context, path string, data []byte) error {
	return w.uploader.Put(ctx, path, data)
}

// HTTPPutUploader is an Uploader for the common case of a presigned or
// bearer-authenticated PUT endpoint: urlFor maps a path to the target URL.
type HTTPPutUploader struct {
	Client      *http.Client
	URLFor      func(path string) string
	ContentType string
}

func (u *HTTPPutUploader) Put(ctx context.Context, path string, data []byte) error {
	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.URLFor(path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	if u.ContentType != "" {
		req.Header.Set("Content-Type", u.ContentType)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("objectstore: PUT %s: status %d", path, resp.StatusCode)
	}
	return nil
}
