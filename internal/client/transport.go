package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/erazemk/popis/internal/model"
)

// Transport errors. Timeouts and network failures are transient alike.
var (
	ErrTransient = errors.New("transient sync failure")
	ErrFatal     = errors.New("permanent sync failure")
)

// Transport carries push and pull requests to the server.
type Transport interface {
	Push(ctx context.Context, req model.PushRequest) (*model.PushResponse, error)
	Pull(ctx context.Context, req model.PullRequest) (*model.PullResponse, error)
}

// HTTPTransport talks to the server's JSON API with a device token.
type HTTPTransport struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPTransport returns a transport whose requests give up after timeout.
func NewHTTPTransport(baseURL, token string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Push sends one batch.
func (t *HTTPTransport) Push(ctx context.Context, req model.PushRequest) (*model.PushResponse, error) {
	var resp model.PushResponse
	if err := t.post(ctx, "/api/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches one page of changes.
func (t *HTTPTransport) Pull(ctx context.Context, req model.PullRequest) (*model.PullResponse, error) {
	var resp model.PullResponse
	if err := t.post(ctx, "/api/sync/pull", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encoding request: %v", ErrFatal, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.Token)

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransient, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := ErrFatal
		if transientStatus(resp.StatusCode) {
			kind = ErrTransient
		}
		return fmt.Errorf("%w: %s: HTTP %d: %s", kind, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A body cut short by the network is worth retrying; garbage is not.
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: reading response: %v", ErrTransient, path, err)
		}
		return fmt.Errorf("%w: %s: malformed response: %v", ErrFatal, path, err)
	}
	return nil
}

func transientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}
