package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/storyloom/backend/internal/pkg/logger"
)

// PipelineClient drives the external multi-agent generation service
// over HTTP. The response body is a newline-delimited JSON stream:
// stage lines feed the progress callback, the final result line carries
// the document, an error line aborts with a classified failure.
type PipelineClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	plan       *StagePlan
	httpClient *http.Client

	maxRetries int
}

func NewPipelineClient(log *logger.Logger, plan *StagePlan) (*PipelineClient, error) {
	baseURL := os.Getenv("ENGINE_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("missing ENGINE_BASE_URL")
	}
	apiKey := os.Getenv("ENGINE_API_KEY")

	// Connection timeout only; the stream itself is bounded by the
	// executor's job deadline through ctx.
	maxRetries := 3
	if v := os.Getenv("ENGINE_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	if plan == nil {
		var err error
		plan, err = DefaultStagePlan()
		if err != nil {
			return nil, err
		}
	}

	return &PipelineClient{
		log:        log.With("service", "PipelineClient"),
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		plan:       plan,
		httpClient: &http.Client{},
		maxRetries: maxRetries,
	}, nil
}

type pipelineHTTPError struct {
	StatusCode int
	Body       string
}

func (e *pipelineHTTPError) Error() string {
	return fmt.Sprintf("pipeline http %d: %s", e.StatusCode, e.Body)
}

func isRetryableHTTP(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr *pipelineHTTPError
	if errors.As(err, &httpErr) {
		return isRetryableHTTP(httpErr.StatusCode)
	}
	return false
}

func jitterSleep(base time.Duration) time.Duration {
	// +/- 20%
	if base <= 0 {
		return 0
	}
	delta := base.Seconds() * 0.2
	low := base.Seconds() - delta
	v := low + rand.Float64()*(2*delta)
	return time.Duration(v * float64(time.Second))
}

type streamLine struct {
	Type    string         `json:"type"`
	Stage   string         `json:"stage,omitempty"`
	Percent *int           `json:"percent,omitempty"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Doc     map[string]any `json:"document,omitempty"`
}

func (c *PipelineClient) Run(ctx context.Context, in Input, onProgress ProgressFunc) (*Result, error) {
	body, err := c.open(ctx, in)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line streamLine
		if err := json.Unmarshal(raw, &line); err != nil {
			c.log.Warn("bad stream line", "error", err)
			continue
		}
		switch line.Type {
		case "stage":
			if onProgress != nil && line.Stage != "" {
				pct := 0
				if line.Percent != nil {
					pct = *line.Percent
				} else if planned, ok := c.plan.PercentFor(line.Stage); ok {
					pct = planned
				}
				onProgress(line.Stage, pct)
			}
		case "result":
			return &Result{Document: line.Doc}, nil
		case "error":
			return nil, classifyStreamError(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &Error{Kind: KindTransient, Message: "stream interrupted", Err: err}
	}
	return nil, &Error{Kind: KindTransient, Message: "stream ended without a result"}
}

func classifyStreamError(line streamLine) error {
	kind := KindTransient
	switch line.Code {
	case "malformed_input", "invalid_prompt":
		kind = KindMalformedInput
	case "invalid_output":
		kind = KindInvalidOutput
	}
	return &Error{Kind: kind, Message: line.Message}
}

// open establishes the generation stream, retrying connection-level
// failures with jittered backoff. Once the stream is open there is no
// client-level retry; the executor owns job-level retry.
func (c *PipelineClient) open(ctx context.Context, in Input) (io.ReadCloser, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, &Error{Kind: KindMalformedInput, Message: "encode input", Err: err}
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitterSleep(backoff)):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/x-ndjson")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if isRetryableErr(err) {
				continue
			}
			return nil, &Error{Kind: KindTransient, Message: "pipeline request failed", Err: err}
		}
		if resp.StatusCode == http.StatusOK {
			return resp.Body, nil
		}

		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		_ = resp.Body.Close()
		httpErr := &pipelineHTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(slurp))}
		if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest {
			return nil, &Error{Kind: KindMalformedInput, Message: "pipeline rejected input", Err: httpErr}
		}
		lastErr = httpErr
		if !isRetryableHTTP(resp.StatusCode) {
			break
		}
	}
	return nil, &Error{Kind: KindTransient, Message: "pipeline unavailable", Err: lastErr}
}
