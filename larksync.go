package larksync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Issue is a raw source issue as returned by the tracker. Fields is the
// opaque field map; interpretation is left to the schema-driven projection.
type Issue struct {
	Key    string
	Fields map[string]interface{}
}

// UpdatedRaw returns the issue's updated timestamp string, or "" when absent.
func (i Issue) UpdatedRaw() string {
	if s, ok := i.Fields["updated"].(string); ok {
		return s
	}
	return ""
}

// UpdatedMillis returns the issue's updated timestamp as epoch milliseconds,
// or 0 when the field is absent or unparseable.
func (i Issue) UpdatedMillis() int64 {
	ms, err := ParseSourceTime(i.UpdatedRaw())
	if err != nil {
		return 0
	}
	return ms
}

// Record is a row in a sink table.
type Record struct {
	ID     string
	Fields map[string]interface{}
}

// FieldType is the sink's column type code.
type FieldType int

const (
	FieldTypeText      FieldType = 1
	FieldTypeNumber    FieldType = 2
	FieldTypeSelect    FieldType = 3
	FieldTypeMultiSel  FieldType = 4
	FieldTypeDateTime  FieldType = 5
	FieldTypePerson    FieldType = 11
	FieldTypeHyperlink FieldType = 15
)

// Field describes a sink table column.
type Field struct {
	Name string
	Type FieldType
}

// Hyperlink is the sink's hyperlink cell value.
type Hyperlink struct {
	Text string `json:"text"`
	Link string `json:"link"`
}

// UserRef is the sink's directory identity for one user.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// SourceClient reads issues from the upstream tracker.
//
// Search is atomic in outcome: it returns the complete, deduplicated result
// set for the filter expression or an error, never a partial set. Duplicate
// keys across pages are resolved keeping the entry with the greatest updated
// timestamp.
type SourceClient interface {
	Search(ctx context.Context, jql string, fields []string) (map[string]Issue, error)
	SearchKeys(ctx context.Context, keys []string, fields []string) (map[string]Issue, error)
	Get(ctx context.Context, key string, fields []string) (Issue, error)
	Ping(ctx context.Context) error
}

// SinkClient writes rows into the remote spreadsheet database.
type SinkClient interface {
	ResolveAppToken(ctx context.Context, wikiToken string) (string, error)
	ListFields(ctx context.Context, appToken, tableID string) ([]Field, error)
	ListRecords(ctx context.Context, appToken, tableID string) ([]Record, error)
	// BatchCreate splits rows into requests of at most 500 and returns the
	// created record ids aligned by input index.
	BatchCreate(ctx context.Context, appToken, tableID string, rows []map[string]interface{}) ([]string, error)
	UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields map[string]interface{}) error
	LookupUserByEmail(ctx context.Context, email string) (*UserRef, error)
	Ping(ctx context.Context) error
}

// Logger is the logging contract threaded through the pipeline.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ErrRecordNotFound reports a sink row id that no longer resolves to a row.
// The processing log entry carrying the id is stale and must be dropped.
var ErrRecordNotFound = errors.New("sink record not found")

// transientError marks an error as retryable (network, 5xx, throttling).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) was marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// sourceTimeLayouts covers the tracker's wire format and common variants.
var sourceTimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
}

// ParseSourceTime parses an ISO-8601 timestamp with offset from the source
// tracker and returns epoch milliseconds.
func ParseSourceTime(value string) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	for _, layout := range sourceTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unparseable timestamp %q", value)
}
