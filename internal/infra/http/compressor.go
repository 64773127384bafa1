package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"compress-queue/internal/domain"
	"compress-queue/internal/worker"
)

// compressResponse is the compression service's reply.
type compressResponse struct {
	CompressedFileURL  string `json:"compressed_file_url"`
	CompressedFileSize int64  `json:"compressed_file_size"`
}

type httpCompressor struct {
	endpoint string
	client   *http.Client
}

// NewHttpCompressor builds a Compressor that posts the claimed payload to
// an external compression service and reads back the output file reference.
func NewHttpCompressor(endpoint string) worker.Compressor {
	return &httpCompressor{
		endpoint: endpoint,
		client: &http.Client{
			// Compressing a large scan can take a while.
			Timeout: 5 * time.Minute,
		},
	}
}

// Compress sends the payload to the compression service. A non-2xx reply
// or an unreadable body is an execution failure the broker will retry.
func (c *httpCompressor) Compress(ctx context.Context, payload domain.JobPayload) (domain.JobResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("failed to create compression request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("compression request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a small portion of the body for the error message.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.JobResult{}, fmt.Errorf("compression service returned %s: %s", resp.Status, msg)
	}

	var out compressResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.JobResult{}, fmt.Errorf("failed to decode compression response: %w", err)
	}

	result := domain.JobResult{
		CompressedFileURL:  out.CompressedFileURL,
		CompressedFileSize: out.CompressedFileSize,
	}
	if out.CompressedFileSize > 0 && payload.FileSize > 0 {
		result.CompressionRatio = float64(payload.FileSize) / float64(out.CompressedFileSize)
	}
	return result, nil
}
