package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RequestConfig holds configuration for HTTP requests
type RequestConfig struct {
	Logger          *zap.Logger
	Headers         map[string][]string
	ResponseHandler func(*http.Response) error
	Method          string
	URL             string
	Timeout         time.Duration
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RetryEnabled    bool
}

// DefaultRequestConfig returns a RequestConfig with sensible defaults
func DefaultRequestConfig(method, url string) RequestConfig {
	return RequestConfig{
		Method:         method,
		URL:            url,
		Timeout:        5 * time.Second,
		RetryEnabled:   true,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Logger:         zap.NewNop(),
	}
}

// Response represents an HTTP response with additional metadata
type Response struct {
	Headers    http.Header
	Request    *http.Request
	Body       []byte
	StatusCode int
}

// Request performs an HTTP request with configurable retry logic. Non-2xx
// responses are retried; a 4xx other than 408 and 429 is returned at once.
func Request(ctx context.Context, config RequestConfig, payload any) (*Response, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	var payloadBytes []byte
	if payload != nil {
		var err error

		switch v := payload.(type) {
		case []byte:
			payloadBytes = v
		case string:
			payloadBytes = []byte(v)
		default:
			payloadBytes, err = json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal payload: %w", err)
			}
		}
	}

	// A fresh request per attempt so the body can be replayed.
	newRequest := func() (*http.Request, error) {
		var reqBody io.Reader
		if payloadBytes != nil {
			reqBody = bytes.NewReader(payloadBytes)
		}
		req, err := http.NewRequestWithContext(ctx, config.Method, config.URL, reqBody)
		if err != nil {
			return nil, err
		}
		for key, values := range config.Headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
		// Set default content-type for methods with body
		if reqBody != nil && (config.Method == http.MethodPost || config.Method == http.MethodPut || config.Method == http.MethodPatch) {
			if req.Header.Get("Content-Type") == "" {
				req.Header.Set("Content-Type", "application/json")
			}
		}
		return req, nil
	}
	if _, err := newRequest(); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{
		Timeout: config.Timeout,
	}

	var response *Response
	var firstAttempt = true

	operation := func() error {
		if !firstAttempt {
			config.Logger.Debug("retrying request", zap.String("url", config.URL))
		}

		req, opErr := newRequest()
		if opErr != nil {
			return backoff.Permanent(opErr)
		}
		resp, opErr := client.Do(req)
		if opErr != nil {
			firstAttempt = false
			return fmt.Errorf("request failed: %w", opErr)
		}
		defer resp.Body.Close()

		// Read response body
		body, opErr := io.ReadAll(resp.Body)
		if opErr != nil {
			return fmt.Errorf("failed to read response body: %w", opErr)
		}

		response = &Response{
			StatusCode: resp.StatusCode,
			Body:       body,
			Headers:    resp.Header,
			Request:    req,
		}

		// Custom response handling if provided
		if config.ResponseHandler != nil {
			if opErr = config.ResponseHandler(resp); opErr != nil {
				firstAttempt = false
				return opErr
			}
		}

		// Default status code check
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			firstAttempt = false
			statusErr := &StatusError{StatusCode: resp.StatusCode, Body: body}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
				resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}

		return nil
	}

	var err error
	if config.RetryEnabled {
		// Configure backoff
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = config.InitialBackoff
		b.MaxInterval = config.MaxBackoff
		b.MaxElapsedTime = time.Duration(config.MaxRetries) * config.MaxBackoff

		err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(config.MaxRetries, 0))), ctx))
	} else {
		err = operation()
	}

	if err != nil {
		config.Logger.Debug("request failed", zap.String("url", config.URL), zap.Error(err))
		return response, err // Return response even on error for inspection
	}

	return response, nil
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}
