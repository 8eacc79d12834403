// Package examapi is the typed HTTP client for the upstream exam API. The
// gateway owns no durable state of its own; everything it persists goes
// through this contract.
package examapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound marks an upstream 404: the exam or attempt no longer exists.
// Fatal for the current session; retrying cannot succeed.
var ErrNotFound = errors.New("examapi: not found")

// Client is the upstream exam API contract consumed by the engine.
type Client interface {
	GetExam(ctx context.Context, examID string) (*ExamRaw, error)
	CreateAttempt(ctx context.Context, examID string, req CreateAttemptRequest) (*AttemptRaw, error)
	GetAttempt(ctx context.Context, examID, attemptID string) (*AttemptRaw, error)
	SaveAnswers(ctx context.Context, examID, attemptID string, answers []AnswerPayload) (*AttemptRaw, error)
	SubmitAttempt(ctx context.Context, examID, attemptID string, forceSubmit bool) (*AttemptRaw, error)
}

// HTTPClient implements Client over net/http.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewHTTPClient creates a client for the exam API at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "examapi").Logger(),
	}
}

// GetExam fetches the exam definition (questions with original ids, answer
// key lists included).
func (c *HTTPClient) GetExam(ctx context.Context, examID string) (*ExamRaw, error) {
	var exam ExamRaw
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/exam/%s", examID), nil, &exam); err != nil {
		return nil, err
	}
	return &exam, nil
}

// CreateAttempt starts a new attempt; the server sets startedAt.
func (c *HTTPClient) CreateAttempt(ctx context.Context, examID string, req CreateAttemptRequest) (*AttemptRaw, error) {
	var attempt AttemptRaw
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/exam/%s/attempt", examID), req, &attempt); err != nil {
		return nil, err
	}
	return &attempt, nil
}

// GetAttempt fetches an existing attempt for resume.
func (c *HTTPClient) GetAttempt(ctx context.Context, examID, attemptID string) (*AttemptRaw, error) {
	var attempt AttemptRaw
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/exam/%s/attempt/%s", examID, attemptID), nil, &attempt); err != nil {
		return nil, err
	}
	return &attempt, nil
}

// SaveAnswers patches the attempt's answer list. Ids must already be in the
// backend's original form.
func (c *HTTPClient) SaveAnswers(ctx context.Context, examID, attemptID string, answers []AnswerPayload) (*AttemptRaw, error) {
	var attempt AttemptRaw
	path := fmt.Sprintf("/exam/%s/attempt/%s", examID, attemptID)
	if err := c.do(ctx, http.MethodPatch, path, SaveAnswersRequest{Answers: answers}, &attempt); err != nil {
		return nil, err
	}
	return &attempt, nil
}

// SubmitAttempt finalizes the attempt. forceSubmit distinguishes a timer
// expiry submission from an explicit one.
func (c *HTTPClient) SubmitAttempt(ctx context.Context, examID, attemptID string, forceSubmit bool) (*AttemptRaw, error) {
	var attempt AttemptRaw
	path := fmt.Sprintf("/exam/%s/attempt/%s/submit", examID, attemptID)
	if err := c.do(ctx, http.MethodPost, path, SubmitRequest{ForceSubmit: forceSubmit}, &attempt); err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("Upstream call")

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Warn().
			Int("status", resp.StatusCode).
			Str("path", path).
			Dur("elapsed", elapsed).
			Msg("Upstream error response")
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
