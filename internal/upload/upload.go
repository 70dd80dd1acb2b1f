// Package upload copies a job's output images to object storage with plain
// HTTP PUT requests, the way S3-compatible stores accept them at a
// pre-signed or bucket-policy-writable URL.
package upload

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/vk/comfyjob/internal/ctxlog"
)

// Uploader puts files under a base URL as <base>/<job id>/<file name>.
type Uploader struct {
	base   *url.URL
	client *http.Client
}

// New returns an Uploader for baseURL. A nil client uses
// http.DefaultClient.
func New(baseURL string, client *http.Client) (*Uploader, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upload URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upload URL %q must be http or https", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Uploader{base: u, client: client}, nil
}

// Upload puts every file and returns their URLs in the same order. It stops
// at the first failure.
func (u *Uploader) Upload(ctx context.Context, jobID string, paths []string) ([]string, error) {
	urls := make([]string, 0, len(paths))
	for _, path := range paths {
		target := u.base.JoinPath(jobID, filepath.Base(path)).String()
		if err := u.put(ctx, path, target); err != nil {
			return nil, err
		}
		urls = append(urls, target)
	}
	return urls, nil
}

func (u *Uploader) put(ctx context.Context, path, target string) error {
	logger := ctxlog.FromContext(ctx).With("action", "upload")

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open source file '%s': %w", path, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to get file stats for '%s': %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, file)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = stat.Size()

	logger.Debug("Uploading file.", "source", path, "size", stat.Size(), "content_type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload of %s failed with status: %s", filepath.Base(path), resp.Status)
	}
	logger.Info("Uploaded file.", "target", target, "status", resp.Status)
	return nil
}
