// Package webhook posts notifications as JSON to an HTTP endpoint, retrying
// server errors with exponential backoff.
package webhook

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/edgeflare/pgtable/pkg/events"
	"github.com/edgeflare/pgtable/pkg/httputil"
	"github.com/edgeflare/pgtable/pkg/table"
	"go.uber.org/zap"
)

type Config struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Timeout per attempt as a duration string. Default "5s".
	Timeout    string `json:"timeout,omitempty"`
	MaxRetries *int   `json:"maxRetries,omitempty"`
}

// Connector implements events.Connector for HTTP endpoints
type Connector struct {
	request httputil.RequestConfig
	Config  Config
}

func (c *Connector) requestConfig(logger *zap.Logger) (httputil.RequestConfig, error) {
	if c.Config.URL == "" {
		return httputil.RequestConfig{}, errors.New("webhook url is required")
	}
	u, err := url.Parse(c.Config.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return httputil.RequestConfig{}, fmt.Errorf("invalid webhook url %q", c.Config.URL)
	}

	rc := httputil.DefaultRequestConfig(cmp.Or(c.Config.Method, http.MethodPost), c.Config.URL)
	if c.Config.Timeout != "" {
		d, err := time.ParseDuration(c.Config.Timeout)
		if err != nil {
			return httputil.RequestConfig{}, fmt.Errorf("timeout: %w", err)
		}
		rc.Timeout = d
	}
	if c.Config.MaxRetries != nil {
		rc.MaxRetries = *c.Config.MaxRetries
		rc.RetryEnabled = *c.Config.MaxRetries > 0
	}
	rc.Headers = make(map[string][]string, len(c.Config.Headers))
	for k, v := range c.Config.Headers {
		rc.Headers[k] = []string{v}
	}
	if logger != nil {
		rc.Logger = logger
	}
	return rc, nil
}

func (c *Connector) Connect(_ context.Context, config json.RawMessage, logger *zap.Logger) error {
	if len(config) > 0 {
		if err := json.Unmarshal(config, &c.Config); err != nil {
			return fmt.Errorf("unmarshal webhook config: %w", err)
		}
	}
	rc, err := c.requestConfig(logger)
	if err != nil {
		return err
	}
	c.request = rc
	return nil
}

func (c *Connector) Publish(ctx context.Context, ev *table.ResponseReady) error {
	if c.request.URL == "" {
		return events.ErrNotConnected
	}
	rc := c.request
	rc.Headers = make(map[string][]string, len(c.request.Headers)+2)
	for k, v := range c.request.Headers {
		rc.Headers[k] = v
	}
	rc.Headers["X-Pgtable-Event"] = []string{ev.ID}
	if ev.RequestID != "" {
		rc.Headers["X-Request-Id"] = []string{ev.RequestID}
	}
	if _, err := httputil.Request(ctx, rc, ev); err != nil {
		return fmt.Errorf("webhook %s: %w", c.Config.URL, err)
	}
	return nil
}

func (c *Connector) Close() error {
	return nil
}

func init() {
	events.RegisterConnector(events.ConnectorWebhook, func() events.Connector { return &Connector{} })
}
