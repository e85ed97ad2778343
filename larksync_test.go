package larksync

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseSourceTime(t *testing.T) {
	cases := []struct {
		value string
		want  int64
		ok    bool
	}{
		{"2026-08-01T10:00:00.000+0000", 1785578400000, true},
		{"2026-08-01T10:00:00+0000", 1785578400000, true},
		{"2026-08-01T10:00:00Z", 1785578400000, true},
		{"2026-08-01T12:00:00.000+0200", 1785578400000, true},
		{"", 0, false},
		{"yesterday", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseSourceTime(tc.value)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("ParseSourceTime(%q) = %d, %v; want %d", tc.value, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("ParseSourceTime(%q) = %d, want error", tc.value, got)
		}
	}
}

func TestIssueUpdatedMillis(t *testing.T) {
	issue := Issue{Key: "X-1", Fields: map[string]interface{}{
		"updated": "2026-08-01T10:00:00.000+0000",
	}}
	if issue.UpdatedMillis() != 1785578400000 {
		t.Fatalf("UpdatedMillis = %d", issue.UpdatedMillis())
	}
	if (Issue{}).UpdatedMillis() != 0 {
		t.Fatal("issue without updated field must report 0")
	}
}

func TestTransient(t *testing.T) {
	base := errors.New("boom")
	if !IsTransient(Transient(base)) {
		t.Fatal("Transient must mark errors retryable")
	}
	wrapped := fmt.Errorf("outer: %w", Transient(base))
	if !IsTransient(wrapped) {
		t.Fatal("IsTransient must see through wrapping")
	}
	if IsTransient(base) {
		t.Fatal("plain errors are not transient")
	}
	if Transient(nil) != nil {
		t.Fatal("Transient(nil) must be nil")
	}
}
