package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	headerDroneID   = "X-Drone-ID"
	headerPayloadID = "X-Payload-ID"
	userAgent       = "plotrepl/1.0"
	frameMediaType  = "application/octet-stream"
)

// HTTPSender posts replication frames to peers
type HTTPSender struct {
	client  *http.Client
	timeout time.Duration
	from    string
}

// NewHTTPSender creates a sender identifying itself as from
func NewHTTPSender(from string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
		from:    from,
	}
}

// SendFrame posts a frame to baseURL/replicate
func (s *HTTPSender) SendFrame(ctx context.Context, baseURL string, id uuid.UUID, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/replicate", bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", frameMediaType)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(headerDroneID, s.from)
	req.Header.Set(headerPayloadID, id.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP status %d when sending frame", resp.StatusCode)
	}
	return nil
}

// SendWithRetry sends a frame, retrying up to retries more times with an
// exponentially growing pause starting at backoff. It gives up early once
// ctx is done.
func (s *HTTPSender) SendWithRetry(ctx context.Context, baseURL string, id uuid.UUID, frame []byte, retries int, backoff time.Duration) error {
	var err error
	attempt := 0
	for ; attempt <= retries; attempt++ {
		if attempt > 0 {
			pause := time.NewTimer(backoff << (attempt - 1))
			select {
			case <-pause.C:
			case <-ctx.Done():
				pause.Stop()
				return fmt.Errorf("after %d attempts: %w (last: %v)", attempt, ctx.Err(), err)
			}
		}
		if err = s.SendFrame(ctx, baseURL, id, frame); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("after %d attempts: %w", attempt+1, err)
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempt, err)
}
