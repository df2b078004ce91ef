// remote.go delegates signing to an HTTP signing endpoint.

package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"tools.zach/dev/tourneykit/internal/logger"
)

// RemoteServiceError reports a failed call to the remote signing endpoint.
type RemoteServiceError struct {
	// Op names the step that failed: "request", "status" or "decode".
	Op string
	// StatusCode is the HTTP status when one was received, otherwise 0.
	StatusCode int
	Err        error
}

func (e *RemoteServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote signer %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote signer %s: %v", e.Op, e.Err)
}

func (e *RemoteServiceError) Unwrap() error { return e.Err }

// Timeout reports whether the call failed because it ran out of time.
func (e *RemoteServiceError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}

// remoteRequest is the body POSTed to the signing endpoint.
type remoteRequest struct {
	Params       Params `json:"params"`
	StringToSign string `json:"string_to_sign"`
}

// remoteResponse is the body expected back.
type remoteResponse struct {
	Signature string `json:"signature"`
}

// RemoteSigner asks a remote endpoint for the signature. The secret is sent
// as a bearer token and is never part of the request body.
type RemoteSigner struct {
	url    string
	client *retryablehttp.Client
}

// NewRemoteSigner creates a signer for url. Each attempt is bounded by
// timeout; retryMax is the number of retries after the first attempt.
func NewRemoteSigner(url string, timeout time.Duration, retryMax int, log *slog.Logger) *RemoteSigner {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = logger.OrDefault(log)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &RemoteSigner{url: url, client: client}
}

// Sign implements [Signer].
func (s *RemoteSigner) Sign(ctx context.Context, params Params, secret string) (string, error) {
	body, err := json.Marshal(remoteRequest{Params: params, StringToSign: Canonicalize(params)})
	if err != nil {
		return "", fmt.Errorf("encode remote sign request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, body)
	if err != nil {
		return "", &RemoteServiceError{Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &RemoteServiceError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", &RemoteServiceError{Op: "request", StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &RemoteServiceError{
			Op:         "status",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response %q", truncate(string(data), 200)),
		}
	}

	var out remoteResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", &RemoteServiceError{Op: "decode", StatusCode: resp.StatusCode, Err: err}
	}
	if out.Signature == "" {
		return "", &RemoteServiceError{Op: "decode", StatusCode: resp.StatusCode, Err: errors.New("response has no signature")}
	}
	return out.Signature, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
