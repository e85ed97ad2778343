// Package jira implements the source-side client against the JIRA REST API.
// It is concerned with data retrieval only: queries are atomic in outcome and
// results are deduplicated by issue key, schema mapping happens elsewhere.
package jira

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/user/larksync"
)

const (
	searchEndpoint = "/rest/api/2/search"
	issueEndpoint  = "/rest/api/2/issue/"
	selfEndpoint   = "/rest/api/2/myself"
	serverEndpoint = "/rest/api/2/serverInfo"

	// keysPerSubQuery keeps "key in (...)" request URIs well below the
	// server's URI length limit.
	keysPerSubQuery = 100

	maxRetries = 3
)

// Config holds the JIRA connection settings.
type Config struct {
	ServerURL  string
	Username   string
	Password   string
	Timeout    time.Duration
	CACertPath string
}

// Client is a JIRA REST client.
type Client struct {
	serverURL string
	username  string
	password  string
	client    *http.Client
	logger    larksync.Logger
}

var _ larksync.SourceClient = (*Client)(nil)

// NewClient builds a client from cfg. When cfg.CACertPath is set the cert is
// appended to the system pool; otherwise default TLS behavior applies.
func NewClient(cfg Config, logger larksync.Logger) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("jira: server_url is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("jira: read ca cert: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("jira: no certificates found in %s", cfg.CACertPath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	return &Client{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		username:  cfg.Username,
		password:  cfg.Password,
		client:    &http.Client{Timeout: timeout, Transport: transport},
		logger:    logger,
	}, nil
}

// ServerURL returns the configured base URL, used to build browse links.
func (c *Client) ServerURL() string {
	return c.serverURL
}

type searchResponse struct {
	Total  int               `json:"total"`
	Issues []json.RawMessage `json:"issues"`
}

type rawIssue struct {
	Key    string                 `json:"key"`
	Fields map[string]interface{} `json:"fields"`
}

// Search executes jql and returns every matching issue keyed by issue key.
// The call is atomic: a failed page after retries fails the whole search so
// a truncated result set never reaches the pipeline. Duplicate keys across
// pages keep the entry with the greatest updated timestamp.
func (c *Client) Search(ctx context.Context, jql string, fields []string) (map[string]larksync.Issue, error) {
	fields = ensureKeyField(fields)

	total, err := c.searchTotal(ctx, jql)
	if err != nil {
		return nil, fmt.Errorf("jira: count query failed: %w", err)
	}
	if total == 0 {
		return map[string]larksync.Issue{}, nil
	}

	batchSize := optimalBatchSize(total)
	issues := make(map[string]larksync.Issue, total)

	for startAt := 0; startAt < total; startAt += batchSize {
		batch, err := c.fetchBatch(ctx, jql, fields, startAt, batchSize)
		if err != nil {
			return nil, fmt.Errorf("jira: batch at %d failed, aborting search: %w", startAt, err)
		}
		for key, issue := range batch {
			if prev, ok := issues[key]; ok && prev.UpdatedMillis() >= issue.UpdatedMillis() {
				continue
			}
			issues[key] = issue
		}
	}

	if len(issues) > total {
		return nil, fmt.Errorf("jira: result count %d exceeds reported total %d", len(issues), total)
	}
	if len(issues) < total && c.logger != nil {
		c.logger.Debug("search deduplicated issues", "expected", total, "unique", len(issues))
	}
	return issues, nil
}

// SearchKeys fetches an explicit key set by composing sub-queries small
// enough to keep request URIs within server limits.
func (c *Client) SearchKeys(ctx context.Context, keys []string, fields []string) (map[string]larksync.Issue, error) {
	issues := make(map[string]larksync.Issue, len(keys))
	for start := 0; start < len(keys); start += keysPerSubQuery {
		end := start + keysPerSubQuery
		if end > len(keys) {
			end = len(keys)
		}
		jql := fmt.Sprintf("key in (%s)", strings.Join(keys[start:end], ","))
		batch, err := c.Search(ctx, jql, fields)
		if err != nil {
			return nil, err
		}
		for key, issue := range batch {
			issues[key] = issue
		}
	}
	return issues, nil
}

// Get fetches a single issue by key.
func (c *Client) Get(ctx context.Context, key string, fields []string) (larksync.Issue, error) {
	fields = ensureKeyField(fields)
	params := url.Values{"fields": {strings.Join(fields, ",")}}

	body, err := c.doWithRetry(ctx, http.MethodGet, issueEndpoint+key, params)
	if err != nil {
		return larksync.Issue{}, fmt.Errorf("jira: get %s: %w", key, err)
	}

	var raw rawIssue
	if err := json.Unmarshal(body, &raw); err != nil {
		return larksync.Issue{}, fmt.Errorf("jira: decode issue %s: %w", key, err)
	}
	return larksync.Issue{Key: raw.Key, Fields: raw.Fields}, nil
}

// ValidateJQL reports whether the server accepts the filter expression.
func (c *Client) ValidateJQL(ctx context.Context, jql string) bool {
	params := url.Values{"jql": {jql}, "maxResults": {"1"}}
	_, err := c.doWithRetry(ctx, http.MethodGet, searchEndpoint, params)
	return err == nil
}

// Ping verifies connectivity and credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doWithRetry(ctx, http.MethodGet, selfEndpoint, nil)
	return err
}

// ServerInfo returns the tracker's version string, best effort.
func (c *Client) ServerInfo(ctx context.Context) (string, error) {
	body, err := c.doWithRetry(ctx, http.MethodGet, serverEndpoint, nil)
	if err != nil {
		return "", err
	}
	var info struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", err
	}
	return info.Version, nil
}

func (c *Client) searchTotal(ctx context.Context, jql string) (int, error) {
	params := url.Values{"jql": {jql}, "maxResults": {"0"}}
	body, err := c.doWithRetry(ctx, http.MethodGet, searchEndpoint, params)
	if err != nil {
		return 0, err
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return resp.Total, nil
}

func (c *Client) fetchBatch(ctx context.Context, jql string, fields []string, startAt, batchSize int) (map[string]larksync.Issue, error) {
	params := url.Values{
		"jql":        {jql},
		"fields":     {strings.Join(fields, ",")},
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(batchSize)},
	}
	body, err := c.doWithRetry(ctx, http.MethodGet, searchEndpoint, params)
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	batch := make(map[string]larksync.Issue, len(resp.Issues))
	for _, msg := range resp.Issues {
		var raw rawIssue
		if err := json.Unmarshal(msg, &raw); err != nil {
			return nil, fmt.Errorf("decode issue: %w", err)
		}
		batch[raw.Key] = larksync.Issue{Key: raw.Key, Fields: raw.Fields}
	}
	return batch, nil
}

// doWithRetry performs one HTTP call with exponential backoff and jitter on
// transient failures. 4xx other than throttling are permanent.
func (c *Client) doWithRetry(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	var body []byte

	operation := func() error {
		reqURL := c.serverURL + endpoint
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.SetBasicAuth(c.username, c.password)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return larksync.Transient(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return larksync.Transient(err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			body = data
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return larksync.Transient(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 200)))
		default:
			return backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 200)))
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		if c.logger != nil {
			c.logger.Warn("request failed, retrying", "endpoint", endpoint, "wait", wait.String(), "error", err)
		}
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return body, nil
}

func ensureKeyField(fields []string) []string {
	for _, f := range fields {
		if f == "key" {
			return fields
		}
	}
	return append(append([]string{}, fields...), "key")
}

func optimalBatchSize(total int) int {
	switch {
	case total <= 500:
		return total
	case total <= 5000:
		return 500
	default:
		return 1000
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
