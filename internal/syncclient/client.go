package syncclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

// ErrResync reports that the server no longer recognises the client's
// position and the replica must start over from an empty cookie.
var ErrResync = errors.New("resync required")

var ErrStreamClosed = errors.New("stream closed by server")

type HTTPError struct {
	StatusCode            int
	Code                  string
	Message               string
	LastMutationIDChanges map[string]uint64
	Resync                bool
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrResync && (e.Resync || e.Code == "sequence_gap")
}

// Remote is the part of the protocol a Replica needs.
type Remote interface {
	Push(ctx context.Context, req relaysync.PushRequest) (relaysync.PushResponse, error)
	Pull(ctx context.Context, req relaysync.PullRequest) (relaysync.PullResponse, error)
}

type HTTPClient struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	streamClient *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	// Streams stay open indefinitely, so they must not inherit the
	// request timeout.
	streamClient := &http.Client{Transport: httpClient.Transport}
	return &HTTPClient{
		baseURL:      baseURL,
		token:        strings.TrimSpace(token),
		httpClient:   httpClient,
		streamClient: streamClient,
		maxRetries:   3,
		baseDelay:    100 * time.Millisecond,
		maxDelay:     2 * time.Second,
	}
}

func (c *HTTPClient) Push(ctx context.Context, req relaysync.PushRequest) (relaysync.PushResponse, error) {
	var resp relaysync.PushResponse
	err := c.doJSON(ctx, http.MethodPost, "/sync/push", req, &resp)
	return resp, err
}

func (c *HTTPClient) Pull(ctx context.Context, req relaysync.PullRequest) (relaysync.PullResponse, error) {
	var resp relaysync.PullResponse
	err := c.doJSON(ctx, http.MethodPost, "/sync/pull", req, &resp)
	return resp, err
}

func (c *HTTPClient) Poke(ctx context.Context, reason string) error {
	return c.doJSON(ctx, http.MethodPost, "/sync/poke", map[string]string{"reason": reason}, nil)
}

// Stream holds /sync/stream open and calls onSync for every sync event
// until ctx ends or the server closes the stream. Keep-alive comments are
// skipped.
func (c *HTTPClient) Stream(ctx context.Context, onSync func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Correlation-Id", correlationID())
	resp, err := c.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return decodeHTTPError(resp.StatusCode, payload)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			if onSync != nil {
				onSync()
			}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ErrStreamClosed
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusBadGateway) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeHTTPError(resp.StatusCode, payloadBytes)
	}
}

func decodeHTTPError(status int, payload []byte) error {
	var errPayload struct {
		Code                  string            `json:"code"`
		Message               string            `json:"message"`
		LastMutationIDChanges map[string]uint64 `json:"lastMutationIDChanges"`
		Resync                bool              `json:"resync"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{
		StatusCode:            status,
		Code:                  errPayload.Code,
		Message:               errPayload.Message,
		LastMutationIDChanges: errPayload.LastMutationIDChanges,
		Resync:                errPayload.Resync,
	}
}

func correlationID() string {
	return "client_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
