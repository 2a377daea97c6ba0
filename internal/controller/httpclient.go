package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"orchestra/internal/model"
)

// RetryPolicy bounds the HTTPController's retry-with-backoff behavior on
// transient transport errors. Semantic errors (4xx bodies decoded into a
// controller error) are never retried.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Interval <= 0 {
		p.Interval = 200 * time.Millisecond
	}
	return p
}

// HTTPController is a thin proxy Controller: every operation maps 1:1 onto
// an endpoint of the HTTP controller API and returns its JSON-decoded
// result, forwarding semantic errors unchanged.
type HTTPController struct {
	baseURL string
	client  *http.Client
	retry   RetryPolicy
	token   string
}

// NewHTTPController returns a proxy Controller targeting baseURL.
func NewHTTPController(baseURL string, timeout time.Duration, retry RetryPolicy) *HTTPController {
	return &HTTPController{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		retry:   retry.withDefaults(),
	}
}

// SetBearerToken attaches an Authorization header to every request, for
// reaching a controller that sits behind a shared bearer credential. The
// token is expected to already be decrypted (secretstore.CredentialStore
// holds it encrypted at rest; callers fetch and decrypt it once at
// startup rather than on every request).
func (h *HTTPController) SetBearerToken(token string) { h.token = token }

// run executes req, retrying on transport-level failures (connection
// refused, timeout) up to MaxAttempts times. skipRetry short-circuits to a
// single attempt for the operations a worker repeats on a timer (queuePop,
// messageGet, refreshLock), where the worker's loop treats an unreachable
// controller as "no work" or tries again on its next tick rather than block.
func (h *HTTPController) run(ctx context.Context, method, path string, body any, skipRetry bool) (*http.Response, error) {
	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	attempts := h.retry.MaxAttempts
	if skipRetry {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(h.retry.Interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if h.token != "" {
			req.Header.Set("Authorization", "Bearer "+h.token)
		}
		resp, err := h.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("controller request failed after %d attempts: %w", attempts, lastErr)
}

func decodeJSON[T any](resp *http.Response) (T, error) {
	var out T
	defer resp.Body.Close()
	err := json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}

func httpError(resp *http.Response) error {
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	msg := string(bytes.TrimSpace(b))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return &UnknownTokenError{Token: msg}
	case http.StatusConflict:
		return &ConflictError{Token: msg}
	case http.StatusGone:
		return &StaleLockError{}
	default:
		return errors.New(msg)
	}
}

func (h *HTTPController) QueuePush(ctx context.Context, token model.Token, info model.JobInfo) (model.Token, error) {
	resp, err := h.run(ctx, http.MethodPost, "/queue/push", map[string]any{"token": token, "info": info}, false)
	if err != nil {
		return model.Token{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return model.Token{}, httpError(resp)
	}
	return decodeJSON[model.Token](resp)
}

func (h *HTTPController) QueuePop(ctx context.Context, workerName string) (model.Lock, bool, error) {
	resp, err := h.run(ctx, http.MethodPost, "/queue/pop", map[string]string{"name": workerName}, true)
	if err != nil {
		return model.Lock{}, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return model.Lock{}, false, nil
	case http.StatusOK:
		var lock model.Lock
		if err := json.NewDecoder(resp.Body).Decode(&lock); err != nil {
			return model.Lock{}, false, err
		}
		return lock, true, nil
	default:
		return model.Lock{}, false, httpError(resp)
	}
}

func (h *HTTPController) ReleaseLock(ctx context.Context, lockID string) error {
	resp, err := h.run(ctx, http.MethodDelete, "/lock", map[string]string{"id": lockID}, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return nil
}

func (h *HTTPController) RefreshLock(ctx context.Context, lockID string) (model.Lock, error) {
	resp, err := h.run(ctx, http.MethodPut, "/lock", map[string]string{"id": lockID}, true)
	if err != nil {
		return model.Lock{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return model.Lock{}, httpError(resp)
	}
	return decodeJSON[model.Lock](resp)
}

func (h *HTTPController) GetToken(ctx context.Context, token string) (model.Token, error) {
	resp, err := h.run(ctx, http.MethodGet, "/registry/token?token="+url.QueryEscape(token), nil, false)
	if err != nil {
		return model.Token{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return model.Token{}, httpError(resp)
	}
	return decodeJSON[model.Token](resp)
}

func (h *HTTPController) GetInfo(ctx context.Context, token string) (model.JobInfo, error) {
	resp, err := h.run(ctx, http.MethodGet, "/registry/info?token="+url.QueryEscape(token), nil, false)
	if err != nil {
		return model.JobInfo{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return model.JobInfo{}, httpError(resp)
	}
	return decodeJSON[model.JobInfo](resp)
}

func (h *HTTPController) GetStatus(ctx context.Context, token string) (model.Status, error) {
	resp, err := h.run(ctx, http.MethodGet, "/registry/status?token="+url.QueryEscape(token), nil, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", httpError(resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return model.Status(bytes.TrimSpace(b)), nil
}

func (h *HTTPController) RegistryPush(ctx context.Context, lockID string, status *model.Status, info *model.JobInfo) error {
	body := map[string]any{"lockId": lockID}
	if status != nil {
		body["status"] = *status
	}
	if info != nil {
		body["info"] = *info
	}
	resp, err := h.run(ctx, http.MethodPut, "/registry", body, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusGone {
		return &RegistryStaleLockError{LockID: lockID}
	}
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return nil
}

func (h *HTTPController) MessagePush(ctx context.Context, token string, instruction model.Instruction, origin, content string) error {
	resp, err := h.run(ctx, http.MethodPost, "/messages", map[string]string{
		"token": token, "instruction": string(instruction), "origin": origin, "content": content,
	}, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return nil
}

func (h *HTTPController) MessageGet(ctx context.Context, since int64) ([]model.Message, error) {
	resp, err := h.run(ctx, http.MethodGet, fmt.Sprintf("/messages?since=%d", since), nil, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}
	return decodeJSON[[]model.Message](resp)
}

func (h *HTTPController) Cleanup(ctx context.Context) error {
	// The embedded controller runs cleanup implicitly on queue push and
	// queue pop; the proxy has no dedicated endpoint for it.
	return nil
}
