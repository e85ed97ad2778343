package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/user/larksync"
	"github.com/user/larksync/internal/config"
	"github.com/user/larksync/internal/logging"
	"github.com/user/larksync/pkg/schema"
)

const testSchemaYAML = `
field_mappings:
  key:
    lark_field: "Issue Key"
    processor: ticket_hyperlink
  summary:
    lark_field: "Summary"
    processor: simple
`

type fakeSource struct {
	mu      sync.Mutex
	issues  map[string]larksync.Issue
	block   chan struct{}
	started chan struct{}
	queries int
}

func (f *fakeSource) Search(ctx context.Context, jql string, fields []string) (map[string]larksync.Issue, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	out := make(map[string]larksync.Issue, len(f.issues))
	for k, v := range f.issues {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSource) SearchKeys(ctx context.Context, keys []string, fields []string) (map[string]larksync.Issue, error) {
	out := make(map[string]larksync.Issue)
	for _, k := range keys {
		if issue, ok := f.issues[k]; ok {
			out[k] = issue
		}
	}
	return out, nil
}

func (f *fakeSource) Get(ctx context.Context, key string, fields []string) (larksync.Issue, error) {
	issue, ok := f.issues[key]
	if !ok {
		return larksync.Issue{}, fmt.Errorf("no such issue %s", key)
	}
	return issue, nil
}

func (f *fakeSource) Ping(ctx context.Context) error { return nil }

type fakeSink struct {
	mu          sync.Mutex
	columns     []larksync.Field
	records     []larksync.Record
	nextID      int
	batchSizes  []int
	failCreates int
	updated     map[string]map[string]interface{}
	missingRecs map[string]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		columns: []larksync.Field{
			{Name: "Issue Key", Type: larksync.FieldTypeHyperlink},
			{Name: "Summary", Type: larksync.FieldTypeText},
		},
		updated:     make(map[string]map[string]interface{}),
		missingRecs: make(map[string]bool),
	}
}

func (f *fakeSink) ResolveAppToken(ctx context.Context, wikiToken string) (string, error) {
	return "app_" + wikiToken, nil
}

func (f *fakeSink) ListFields(ctx context.Context, appToken, tableID string) ([]larksync.Field, error) {
	return f.columns, nil
}

func (f *fakeSink) ListRecords(ctx context.Context, appToken, tableID string) ([]larksync.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]larksync.Record(nil), f.records...), nil
}

func (f *fakeSink) BatchCreate(ctx context.Context, appToken, tableID string, rows []map[string]interface{}) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreates > 0 {
		f.failCreates--
		return nil, fmt.Errorf("status 502")
	}
	f.batchSizes = append(f.batchSizes, len(rows))
	ids := make([]string, len(rows))
	for i, row := range rows {
		f.nextID++
		id := fmt.Sprintf("rec%d", f.nextID)
		ids[i] = id
		f.records = append(f.records, larksync.Record{ID: id, Fields: row})
	}
	return ids, nil
}

func (f *fakeSink) UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missingRecs[recordID] {
		return fmt.Errorf("update %s: %w", recordID, larksync.ErrRecordNotFound)
	}
	f.updated[recordID] = fields
	return nil
}

func (f *fakeSink) LookupUserByEmail(ctx context.Context, email string) (*larksync.UserRef, error) {
	return nil, nil
}

func (f *fakeSink) Ping(ctx context.Context) error { return nil }

func testIssue(key, summary, updated string) larksync.Issue {
	return larksync.Issue{Key: key, Fields: map[string]interface{}{
		"summary": summary,
		"updated": updated,
	}}
}

func testRuntime(t *testing.T, source larksync.SourceClient, sink larksync.SinkClient) *Runtime {
	t.Helper()
	rt := &Runtime{
		Source:    source,
		Sink:      sink,
		Logger:    logging.New(testWriter{t}, "debug"),
		ServerURL: "https://jira.example.com",
		DataDir:   t.TempDir(),
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testBinding() config.Binding {
	return config.Binding{
		Team:      "platform",
		Table:     "bugs",
		WikiToken: "wikcnAAA",
		TableID:   "tblBugs",
		JQLQuery:  "project = PLAT",
		Interval:  time.Hour,
	}
}

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte(testSchemaYAML))
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	return s
}

func TestColdStartThenIncremental(t *testing.T) {
	source := &fakeSource{issues: map[string]larksync.Issue{
		"PLAT-1": testIssue("PLAT-1", "one", "2026-08-01T10:00:00.000+0000"),
		"PLAT-2": testIssue("PLAT-2", "two", "2026-08-02T10:00:00.000+0000"),
	}}
	sink := newFakeSink()
	// A pre-existing row the pipeline did not create.
	sink.records = append(sink.records, larksync.Record{
		ID: "rec_pre",
		Fields: map[string]interface{}{
			"Issue Key": map[string]interface{}{"text": "PLAT-1", "link": "x"},
		},
	})

	rt := testRuntime(t, source, sink)
	worker := NewWorker(rt, testSchema(t))

	cycle, err := worker.RunCycle(context.Background(), testBinding(), CycleOptions{})
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if cycle.Mode != ModeColdStart {
		t.Errorf("mode = %s, want cold_start", cycle.Mode)
	}
	// Adopted row is stale (zero watermark) and gets updated; the other
	// issue is created.
	if cycle.Created != 1 || cycle.Updated != 1 || cycle.Failed != 0 {
		t.Fatalf("cycle = %+v, want 1 created 1 updated", cycle)
	}
	if _, ok := sink.updated["rec_pre"]; !ok {
		t.Error("adopted row must be rewritten from source")
	}
}

func TestIncrementalSkipsUnchanged(t *testing.T) {
	source := &fakeSource{issues: map[string]larksync.Issue{
		"PLAT-1": testIssue("PLAT-1", "one", "2026-08-01T10:00:00.000+0000"),
	}}
	sink := newFakeSink()
	rt := testRuntime(t, source, sink)
	worker := NewWorker(rt, testSchema(t))
	ctx := context.Background()

	if _, err := worker.RunCycle(ctx, testBinding(), CycleOptions{}); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	cycle, err := worker.RunCycle(ctx, testBinding(), CycleOptions{})
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if cycle.Stale != 0 || cycle.Created != 0 || cycle.Updated != 0 {
		t.Fatalf("second cycle = %+v, want nothing to do", cycle)
	}
}

func TestFullUpdateBypassesFilter(t *testing.T) {
	source := &fakeSource{issues: map[string]larksync.Issue{
		"PLAT-1": testIssue("PLAT-1", "one", "2026-08-01T10:00:00.000+0000"),
	}}
	sink := newFakeSink()
	rt := testRuntime(t, source, sink)
	worker := NewWorker(rt, testSchema(t))
	ctx := context.Background()

	if _, err := worker.RunCycle(ctx, testBinding(), CycleOptions{}); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	cycle, err := worker.RunCycle(ctx, testBinding(), CycleOptions{FullUpdate: true})
	if err != nil {
		t.Fatalf("full update cycle: %v", err)
	}
	if cycle.Updated != 1 {
		t.Fatalf("cycle = %+v, want 1 forced update", cycle)
	}
}

func TestRecordNotFoundDropsLogEntry(t *testing.T) {
	source := &fakeSource{issues: map[string]larksync.Issue{
		"PLAT-1": testIssue("PLAT-1", "one", "2026-08-01T10:00:00.000+0000"),
	}}
	sink := newFakeSink()
	rt := testRuntime(t, source, sink)
	worker := NewWorker(rt, testSchema(t))
	ctx := context.Background()

	if _, err := worker.RunCycle(ctx, testBinding(), CycleOptions{}); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	// The created row vanishes from the sink, then the issue changes.
	sink.mu.Lock()
	for id := range sink.updated {
		delete(sink.updated, id)
	}
	sink.missingRecs["rec1"] = true
	sink.mu.Unlock()
	source.issues["PLAT-1"] = testIssue("PLAT-1", "one bis", "2026-08-05T10:00:00.000+0000")

	cycle, err := worker.RunCycle(ctx, testBinding(), CycleOptions{})
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if cycle.Failed != 1 {
		t.Fatalf("cycle = %+v, want 1 failed row", cycle)
	}

	store, err := rt.Log("tblBugs")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "PLAT-1"); ok {
		t.Fatal("stale log entry must be dropped after record-not-found")
	}

	// Next cycle recreates the row.
	cycle, err = worker.RunCycle(ctx, testBinding(), CycleOptions{})
	if err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if cycle.Created != 1 {
		t.Fatalf("third cycle = %+v, want 1 created", cycle)
	}
}

func TestFailedCreateRetriesAsCreate(t *testing.T) {
	source := &fakeSource{issues: map[string]larksync.Issue{
		"PLAT-1": testIssue("PLAT-1", "one", "2026-08-01T10:00:00.000+0000"),
	}}
	sink := newFakeSink()
	sink.failCreates = 1
	rt := testRuntime(t, source, sink)
	worker := NewWorker(rt, testSchema(t))
	ctx := context.Background()

	cycle, err := worker.RunCycle(ctx, testBinding(), CycleOptions{})
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if cycle.Failed != 1 || cycle.Created != 0 {
		t.Fatalf("first cycle = %+v, want 1 failed create", cycle)
	}

	// The failed entry has no record id; the retry must go through the
	// create path again, never an update against an empty id.
	cycle, err = worker.RunCycle(ctx, testBinding(), CycleOptions{})
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if cycle.Created != 1 || cycle.Updated != 0 || cycle.Failed != 0 {
		t.Fatalf("second cycle = %+v, want 1 created", cycle)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.updated) != 0 {
		t.Fatalf("updates = %v, want none", sink.updated)
	}
	if len(sink.records) != 1 {
		t.Fatalf("records = %d, want 1", len(sink.records))
	}
}

func TestCreateChunking(t *testing.T) {
	issues := make(map[string]larksync.Issue, 737)
	for i := 0; i < 737; i++ {
		key := fmt.Sprintf("PLAT-%04d", i)
		issues[key] = testIssue(key, "row", "2026-08-01T10:00:00.000+0000")
	}
	source := &fakeSource{issues: issues}
	sink := newFakeSink()
	rt := testRuntime(t, source, sink)
	worker := NewWorker(rt, testSchema(t))

	cycle, err := worker.RunCycle(context.Background(), testBinding(), CycleOptions{})
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if cycle.Created != 737 {
		t.Fatalf("created = %d, want 737", cycle.Created)
	}
	if len(sink.batchSizes) != 2 || sink.batchSizes[0] != 500 || sink.batchSizes[1] != 237 {
		t.Fatalf("batch sizes = %v, want [500 237]", sink.batchSizes)
	}
}

func TestRunSingleIssue(t *testing.T) {
	source := &fakeSource{issues: map[string]larksync.Issue{
		"PLAT-7": testIssue("PLAT-7", "seven", "2026-08-01T10:00:00.000+0000"),
	}}
	sink := newFakeSink()
	rt := testRuntime(t, source, sink)
	worker := NewWorker(rt, testSchema(t))

	cycle, err := worker.RunSingleIssue(context.Background(), testBinding(), "PLAT-7")
	if err != nil {
		t.Fatalf("single issue: %v", err)
	}
	if cycle.Mode != ModeSingleIssue || cycle.Created != 1 {
		t.Fatalf("cycle = %+v, want 1 created in single_issue mode", cycle)
	}
}

func TestChunkCapAdaptive(t *testing.T) {
	narrow := map[string]map[string]interface{}{
		"a": {"Summary": "x"},
	}
	if got := chunkCap(narrow, []string{"a"}); got != chunkCapDefault {
		t.Errorf("narrow cap = %d, want %d", got, chunkCapDefault)
	}

	wide := map[string]map[string]interface{}{"a": {}}
	for i := 0; i < 25; i++ {
		wide["a"][fmt.Sprintf("col%d", i)] = "v"
	}
	if got := chunkCap(wide, []string{"a"}); got != chunkCapSmall {
		t.Errorf("wide cap = %d, want %d", got, chunkCapSmall)
	}

	medium := map[string]map[string]interface{}{"a": {}}
	for i := 0; i < 12; i++ {
		medium["a"][fmt.Sprintf("col%d", i)] = "v"
	}
	if got := chunkCap(medium, []string{"a"}); got != chunkCapMedium {
		t.Errorf("medium cap = %d, want %d", got, chunkCapMedium)
	}
}

func TestChunkCapSamplesBoundedPrefix(t *testing.T) {
	// Narrow rows in the sampled prefix, then heavy rows past it: only the
	// sample may influence the cap.
	rows := make(map[string]map[string]interface{})
	keys := make([]string, 0, chunkSampleRows+5)
	for i := 0; i < chunkSampleRows; i++ {
		key := fmt.Sprintf("n%02d", i)
		rows[key] = map[string]interface{}{"Summary": "x"}
		keys = append(keys, key)
	}
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("w%02d", i)
		wide := map[string]interface{}{}
		for j := 0; j < 30; j++ {
			wide[fmt.Sprintf("col%d", j)] = "v"
		}
		rows[key] = wide
		keys = append(keys, key)
	}

	if got := chunkCap(rows, keys); got != chunkCapDefault {
		t.Fatalf("cap = %d, want %d from the sampled rows alone", got, chunkCapDefault)
	}
}

func TestCoordinatorSkipsWhileInFlight(t *testing.T) {
	block := make(chan struct{})
	source := &fakeSource{
		issues: map[string]larksync.Issue{},
		block:  block,
	}
	sink := newFakeSink()
	rt := testRuntime(t, source, sink)

	cfg, err := config.Parse([]byte(`
jira:
  server_url: https://jira.example.com
lark:
  app_id: cli_abc
  app_secret: s3cret
field_mappings:
  key:
    lark_field: "Issue Key"
    processor: ticket_hyperlink
teams:
  platform:
    wiki_token: wikcnAAA
    tables:
      bugs:
        table_id: tblBugs
        jql_query: project = PLAT
        sync_interval: 1ms
`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	coord := NewCoordinator(rt, func() (*config.Config, error) { return cfg, nil })

	coord.pass() // starts the cycle, blocked in Search
	time.Sleep(10 * time.Millisecond)
	coord.pass() // due again, but still in flight: must skip

	coord.mu.Lock()
	inFlight := coord.inFlight["platform/bugs"]
	coord.mu.Unlock()
	if !inFlight {
		t.Fatal("first cycle should still be in flight")
	}

	source.mu.Lock()
	started := source.queries
	source.mu.Unlock()
	if started != 0 {
		t.Fatalf("queries = %d before unblock, want 0 completed", started)
	}

	close(block)
	coord.wg.Wait()

	source.mu.Lock()
	total := source.queries
	source.mu.Unlock()
	if total != 1 {
		t.Fatalf("queries = %d, want exactly 1 (skipped slot must not queue)", total)
	}
}

func TestCoordinatorDrainsInFlightCycle(t *testing.T) {
	block := make(chan struct{})
	source := &fakeSource{
		issues: map[string]larksync.Issue{
			"PLAT-1": testIssue("PLAT-1", "one", "2026-08-01T10:00:00.000+0000"),
		},
		block:   block,
		started: make(chan struct{}, 1),
	}
	sink := newFakeSink()
	rt := testRuntime(t, source, sink)

	cfg, err := config.Parse([]byte(`
jira:
  server_url: https://jira.example.com
lark:
  app_id: cli_abc
  app_secret: s3cret
field_mappings:
  key:
    lark_field: "Issue Key"
    processor: ticket_hyperlink
teams:
  platform:
    wiki_token: wikcnAAA
    tables:
      bugs:
        table_id: tblBugs
        jql_query: project = PLAT
        sync_interval: 1h
`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	coord := NewCoordinator(rt, func() (*config.Config, error) { return cfg, nil })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	<-source.started // cycle in flight, blocked in the source query
	cancel()         // shutdown arrives mid-cycle

	select {
	case <-done:
		t.Fatal("scheduler returned before the in-flight cycle finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(block)
	if err := <-done; err != context.Canceled {
		t.Fatalf("run returned %v, want context.Canceled", err)
	}

	// The cycle must have completed its writes, not been cut off.
	source.mu.Lock()
	queries := source.queries
	source.mu.Unlock()
	if queries != 1 {
		t.Fatalf("queries = %d, want the started cycle to finish", queries)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.records) != 1 {
		t.Fatalf("records = %d, want the in-flight create to land", len(sink.records))
	}
}
