// Package lark implements the sink-side client against the Lark Base
// (Bitable) open API: wiki token resolution, record scans, batched creates,
// single-row updates, and directory user lookup.
package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/user/larksync"
)

const (
	defaultBaseURL = "https://open.larksuite.com/open-apis"

	// maxBatchCreate is the documented per-request row cap for batch_create.
	maxBatchCreate = 500

	// maxPageSize is the record scan page size.
	maxPageSize = 500

	maxRetries = 3

	// tokenRefreshMargin renews the tenant token this long before expiry.
	tokenRefreshMargin = 5 * time.Minute

	// appTokenTTL bounds the wiki token -> app token memoization.
	appTokenTTL = 12 * time.Hour

	// codeRecordNotFound is the sink's error code for an update against a
	// row id that no longer exists.
	codeRecordNotFound = 1254043
)

// Config holds the Lark application credentials.
type Config struct {
	AppID     string
	AppSecret string
	BaseURL   string
	Timeout   time.Duration
	// RequestsPerSecond caps the outbound request rate. Zero means the
	// default of 10 rps with a burst of 20.
	RequestsPerSecond float64
}

// Client is a Lark Base client.
type Client struct {
	baseURL   string
	appID     string
	appSecret string
	client    *http.Client
	limiter   *rate.Limiter
	logger    larksync.Logger

	mu          sync.Mutex
	tenantToken string
	tokenExpiry time.Time
	appTokens   map[string]appTokenEntry
}

type appTokenEntry struct {
	token   string
	fetched time.Time
}

var _ larksync.SinkClient = (*Client)(nil)

// NewClient builds a client from cfg.
func NewClient(cfg Config, logger larksync.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		baseURL:   baseURL,
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(rps), int(rps*2)),
		logger:    logger,
		appTokens: make(map[string]appTokenEntry),
	}
}

type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// ResolveAppToken resolves a wiki node token to the bitable app token,
// memoized with a TTL.
func (c *Client) ResolveAppToken(ctx context.Context, wikiToken string) (string, error) {
	c.mu.Lock()
	if entry, ok := c.appTokens[wikiToken]; ok && time.Since(entry.fetched) < appTokenTTL {
		c.mu.Unlock()
		return entry.token, nil
	}
	c.mu.Unlock()

	data, err := c.do(ctx, http.MethodGet, "/wiki/v2/spaces/get_node?token="+wikiToken, nil)
	if err != nil {
		return "", fmt.Errorf("lark: resolve wiki token: %w", err)
	}
	var resp struct {
		Node struct {
			ObjToken string `json:"obj_token"`
		} `json:"node"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("lark: decode wiki node: %w", err)
	}
	if resp.Node.ObjToken == "" {
		return "", fmt.Errorf("lark: wiki node %s has no obj_token", wikiToken)
	}

	c.mu.Lock()
	c.appTokens[wikiToken] = appTokenEntry{token: resp.Node.ObjToken, fetched: time.Now()}
	c.mu.Unlock()
	return resp.Node.ObjToken, nil
}

// ListFields returns the table's column descriptors.
func (c *Client) ListFields(ctx context.Context, appToken, tableID string) ([]larksync.Field, error) {
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/fields?page_size=100", appToken, tableID)
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("lark: list fields: %w", err)
	}
	var resp struct {
		Items []struct {
			FieldName string `json:"field_name"`
			Type      int    `json:"type"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("lark: decode fields: %w", err)
	}
	fields := make([]larksync.Field, 0, len(resp.Items))
	for _, item := range resp.Items {
		fields = append(fields, larksync.Field{Name: item.FieldName, Type: larksync.FieldType(item.Type)})
	}
	return fields, nil
}

// ListRecords scans the whole table, following pagination. Every row is
// yielded exactly once per call.
func (c *Client) ListRecords(ctx context.Context, appToken, tableID string) ([]larksync.Record, error) {
	var records []larksync.Record
	pageToken := ""
	for {
		path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records?page_size=%d", appToken, tableID, maxPageSize)
		if pageToken != "" {
			path += "&page_token=" + pageToken
		}
		data, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, fmt.Errorf("lark: list records: %w", err)
		}
		var resp struct {
			Items []struct {
				RecordID string                 `json:"record_id"`
				Fields   map[string]interface{} `json:"fields"`
			} `json:"items"`
			HasMore   bool   `json:"has_more"`
			PageToken string `json:"page_token"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("lark: decode records: %w", err)
		}
		for _, item := range resp.Items {
			records = append(records, larksync.Record{ID: item.RecordID, Fields: item.Fields})
		}
		if !resp.HasMore || resp.PageToken == "" {
			break
		}
		pageToken = resp.PageToken
	}
	return records, nil
}

// BatchCreate inserts rows, splitting into requests of at most 500. The
// returned ids align with the input index.
func (c *Client) BatchCreate(ctx context.Context, appToken, tableID string, rows []map[string]interface{}) ([]string, error) {
	ids := make([]string, 0, len(rows))
	for start := 0; start < len(rows); start += maxBatchCreate {
		end := start + maxBatchCreate
		if end > len(rows) {
			end = len(rows)
		}
		chunkIDs, err := c.batchCreateChunk(ctx, appToken, tableID, rows[start:end])
		if err != nil {
			return ids, err
		}
		ids = append(ids, chunkIDs...)
	}
	return ids, nil
}

func (c *Client) batchCreateChunk(ctx context.Context, appToken, tableID string, rows []map[string]interface{}) ([]string, error) {
	type record struct {
		Fields map[string]interface{} `json:"fields"`
	}
	payload := struct {
		Records []record `json:"records"`
	}{Records: make([]record, len(rows))}
	for i, row := range rows {
		payload.Records[i] = record{Fields: row}
	}

	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/batch_create", appToken, tableID)
	data, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, fmt.Errorf("lark: batch create %d rows: %w", len(rows), err)
	}

	var resp struct {
		Records []struct {
			RecordID string `json:"record_id"`
		} `json:"records"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("lark: decode batch create response: %w", err)
	}
	if len(resp.Records) != len(rows) {
		return nil, fmt.Errorf("lark: batch create returned %d ids for %d rows", len(resp.Records), len(rows))
	}
	ids := make([]string, len(resp.Records))
	for i, rec := range resp.Records {
		ids[i] = rec.RecordID
	}
	return ids, nil
}

// UpdateRecord overwrites fields on one row. A stale row id surfaces as
// larksync.ErrRecordNotFound.
func (c *Client) UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields map[string]interface{}) error {
	payload := struct {
		Fields map[string]interface{} `json:"fields"`
	}{Fields: fields}

	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/%s", appToken, tableID, recordID)
	_, err := c.do(ctx, http.MethodPut, path, payload)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.code == codeRecordNotFound {
			return fmt.Errorf("lark: update %s: %w", recordID, larksync.ErrRecordNotFound)
		}
		return fmt.Errorf("lark: update %s: %w", recordID, err)
	}
	return nil
}

// LookupUserByEmail resolves an email through the tenant directory. A clean
// miss returns (nil, nil).
func (c *Client) LookupUserByEmail(ctx context.Context, email string) (*larksync.UserRef, error) {
	payload := struct {
		Emails []string `json:"emails"`
	}{Emails: []string{email}}

	data, err := c.do(ctx, http.MethodPost, "/contact/v3/users/batch_get_id?user_id_type=open_id", payload)
	if err != nil {
		return nil, fmt.Errorf("lark: lookup user %s: %w", email, err)
	}
	var resp struct {
		UserList []struct {
			UserID string `json:"user_id"`
			Name   string `json:"name"`
		} `json:"user_list"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("lark: decode user lookup: %w", err)
	}
	if len(resp.UserList) == 0 || resp.UserList[0].UserID == "" {
		return nil, nil
	}
	return &larksync.UserRef{ID: resp.UserList[0].UserID, Name: resp.UserList[0].Name, Email: email}, nil
}

// Ping verifies credentials by acquiring a tenant token.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.tenantAccessToken(ctx)
	return err
}

type apiError struct {
	code int
	msg  string
}

func (e *apiError) Error() string { return fmt.Sprintf("code %d: %s", e.code, e.msg) }

// do performs one API call with auth, rate limiting, and bounded retries.
// Throttling (HTTP 429 or a Retry-After hint) and 5xx are transient.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (json.RawMessage, error) {
	var result json.RawMessage

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		token, err := c.tenantAccessToken(ctx)
		if err != nil {
			return err
		}

		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return backoff.Permanent(err)
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return larksync.Transient(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return larksync.Transient(err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			if wait := retryAfter(resp); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return larksync.Transient(fmt.Errorf("throttled: status 429"))
		}
		if resp.StatusCode >= 500 {
			return larksync.Transient(fmt.Errorf("status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, data))
		}

		var api apiResponse
		if err := json.Unmarshal(data, &api); err != nil {
			return backoff.Permanent(fmt.Errorf("malformed response: %w", err))
		}
		if api.Code != 0 {
			return backoff.Permanent(&apiError{code: api.Code, msg: api.Msg})
		}
		result = api.Data
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		if c.logger != nil {
			c.logger.Warn("request failed, retrying", "path", path, "wait", wait.String(), "error", err)
		}
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return result, nil
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// tenantAccessToken returns a cached token, renewing it shortly before
// expiry.
func (c *Client) tenantAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.tenantToken != "" && time.Now().Before(c.tokenExpiry) {
		token := c.tenantToken
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	payload, err := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/auth/v3/tenant_access_token/internal", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", larksync.Transient(fmt.Errorf("lark: token request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", larksync.Transient(fmt.Errorf("lark: token request status %d", resp.StatusCode))
	}
	var tokenResp struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("lark: decode token response: %w", err)
	}
	if tokenResp.Code != 0 {
		return "", fmt.Errorf("lark: token request rejected: %s", tokenResp.Msg)
	}

	c.mu.Lock()
	c.tenantToken = tokenResp.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tokenResp.Expire)*time.Second - tokenRefreshMargin)
	token := c.tenantToken
	c.mu.Unlock()
	return token, nil
}
