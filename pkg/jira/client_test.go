package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		ServerURL: server.URL,
		Username:  "sync-bot",
		Password:  "hunter2",
	}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func issueJSON(key, updated string) map[string]interface{} {
	return map[string]interface{}{
		"key": key,
		"fields": map[string]interface{}{
			"summary": "summary of " + key,
			"updated": updated,
		},
	}
}

func TestSearchAtomicPagination(t *testing.T) {
	total := 1200
	handler := func(w http.ResponseWriter, r *http.Request) {
		if u, _, _ := r.BasicAuth(); u != "sync-bot" {
			t.Errorf("missing basic auth")
		}
		maxResults, _ := strconv.Atoi(r.URL.Query().Get("maxResults"))
		if maxResults == 0 {
			json.NewEncoder(w).Encode(map[string]interface{}{"total": total, "issues": []interface{}{}})
			return
		}
		if maxResults != 500 {
			t.Errorf("maxResults = %d, want 500 for total %d", maxResults, total)
		}
		startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
		var issues []interface{}
		for i := startAt; i < startAt+maxResults && i < total; i++ {
			issues = append(issues, issueJSON(fmt.Sprintf("PROJ-%d", i), "2026-08-01T10:00:00.000+0000"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"total": total, "issues": issues})
	}

	client := newTestClient(t, handler)
	issues, err := client.Search(context.Background(), "project = PROJ", []string{"summary", "updated"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(issues) != total {
		t.Fatalf("got %d issues, want %d", len(issues), total)
	}
}

func TestSearchAbortsOnLostBatch(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		maxResults, _ := strconv.Atoi(r.URL.Query().Get("maxResults"))
		if maxResults == 0 {
			json.NewEncoder(w).Encode(map[string]interface{}{"total": 600, "issues": []interface{}{}})
			return
		}
		startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
		if startAt > 0 {
			// Second batch fails permanently.
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var issues []interface{}
		for i := 0; i < maxResults; i++ {
			issues = append(issues, issueJSON(fmt.Sprintf("PROJ-%d", i), "2026-08-01T10:00:00.000+0000"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"total": 600, "issues": issues})
	}

	client := newTestClient(t, handler)
	if _, err := client.Search(context.Background(), "project = PROJ", nil); err == nil {
		t.Fatal("expected search to abort when a batch is lost")
	}
}

func TestSearchDeduplicatesKeepingNewest(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		maxResults, _ := strconv.Atoi(r.URL.Query().Get("maxResults"))
		if maxResults == 0 {
			json.NewEncoder(w).Encode(map[string]interface{}{"total": 2, "issues": []interface{}{}})
			return
		}
		// The same key appears twice with different timestamps.
		json.NewEncoder(w).Encode(map[string]interface{}{
			"total": 2,
			"issues": []interface{}{
				issueJSON("PROJ-1", "2026-08-02T10:00:00.000+0000"),
				issueJSON("PROJ-1", "2026-08-01T10:00:00.000+0000"),
			},
		})
	}

	client := newTestClient(t, handler)
	issues, err := client.Search(context.Background(), "project = PROJ", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("got %d issues, want 1", len(issues))
	}
	if issues["PROJ-1"].Key != "PROJ-1" {
		t.Fatalf("unexpected issue set: %v", issues)
	}
}

func TestSearchRetriesOn429(t *testing.T) {
	var calls int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"total": 0, "issues": []interface{}{}})
	}

	client := newTestClient(t, handler)
	issues, err := client.Search(context.Background(), "project = PROJ", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("got %d issues, want 0", len(issues))
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2 (one retry)", calls)
	}
}

func TestSearchKeysChunking(t *testing.T) {
	var jqls []string
	handler := func(w http.ResponseWriter, r *http.Request) {
		maxResults, _ := strconv.Atoi(r.URL.Query().Get("maxResults"))
		if maxResults == 0 {
			jqls = append(jqls, r.URL.Query().Get("jql"))
			json.NewEncoder(w).Encode(map[string]interface{}{"total": 0, "issues": []interface{}{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"total": 0, "issues": []interface{}{}})
	}

	client := newTestClient(t, handler)
	keys := make([]string, 150)
	for i := range keys {
		keys[i] = fmt.Sprintf("PROJ-%d", i)
	}
	if _, err := client.SearchKeys(context.Background(), keys, nil); err != nil {
		t.Fatalf("search keys: %v", err)
	}
	if len(jqls) != 2 {
		t.Fatalf("got %d sub-queries, want 2 for 150 keys", len(jqls))
	}
}

func TestGet(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/issue/PROJ-7" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(issueJSON("PROJ-7", "2026-08-01T10:00:00.000+0000"))
	}

	client := newTestClient(t, handler)
	issue, err := client.Get(context.Background(), "PROJ-7", []string{"summary"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if issue.Key != "PROJ-7" || issue.Fields["summary"] != "summary of PROJ-7" {
		t.Fatalf("issue = %+v", issue)
	}
}

func TestOptimalBatchSize(t *testing.T) {
	cases := []struct{ total, want int }{
		{100, 100},
		{500, 500},
		{501, 500},
		{5000, 500},
		{5001, 1000},
	}
	for _, tc := range cases {
		if got := optimalBatchSize(tc.total); got != tc.want {
			t.Errorf("optimalBatchSize(%d) = %d, want %d", tc.total, got, tc.want)
		}
	}
}
