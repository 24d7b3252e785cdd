package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// gofileResponse is the reply of an anonymous gofile upload.
type gofileResponse struct {
	Status string `json:"status"`
	Data   struct {
		DownloadPage string `json:"downloadPage"`
		Code         string `json:"code"`
		FileID       string `json:"fileId"`
	} `json:"data"`
}

// GofileEndpoint posts a file as multipart form field "file".
type GofileEndpoint struct {
	name   string
	url    string
	client *http.Client
}

// NewGofileEndpoint creates an endpoint for an uploadFile URL.
func NewGofileEndpoint(name, uploadURL string, client *http.Client) *GofileEndpoint {
	if name == "" {
		if u, err := url.Parse(uploadURL); err == nil && u.Host != "" {
			name = u.Host
		} else {
			name = uploadURL
		}
	}
	return &GofileEndpoint{name: name, url: uploadURL, client: client}
}

// Name implements Endpoint.
func (e *GofileEndpoint) Name() string {
	return e.name
}

// Upload implements Endpoint. The body is streamed from disk.
func (e *GofileEndpoint) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()
	// Unblocks the writer goroutine if the server replied early.
	pr.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload rejected: status %d: %s", resp.StatusCode, truncate(body))
	}

	var parsed gofileResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Status != "ok" {
		return "", fmt.Errorf("upload rejected: status %q: %s", parsed.Status, truncate(body))
	}

	switch {
	case parsed.Data.DownloadPage != "":
		return parsed.Data.DownloadPage, nil
	case parsed.Data.Code != "":
		return parsed.Data.Code, nil
	case parsed.Data.FileID != "":
		return parsed.Data.FileID, nil
	}
	return "", fmt.Errorf("upload response carried no reference: %s", truncate(body))
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
