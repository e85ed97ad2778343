package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/user/larksync"
	"github.com/user/larksync/pkg/processlog"
)

// Create chunk caps. Wide or heavy rows get smaller requests so a single
// call stays within the sink's payload tolerance.
const (
	chunkCapDefault = 500
	chunkCapMedium  = 350
	chunkCapSmall   = 200

	mediumFieldCount   = 10
	heavyFieldCount    = 20
	mediumPayloadChars = 1000
	heavyPayloadChars  = 2000

	// chunkSampleRows bounds the shape estimate: rows in one batch share a
	// schema, so a few of them are representative and a multi-thousand-row
	// cold start is not re-marshalled wholesale just to pick a cap.
	chunkSampleRows = 10
)

type upsertResult struct {
	created int
	updated int
	failed  int
}

// upsert writes the given issues into the sink table: unknown keys are
// created in batches, known keys are updated one at a time so one bad row
// cannot sink its neighbors. Processing log entries are written only after
// the corresponding sink write succeeded.
func (w *Worker) upsert(ctx context.Context, tc *tableContext, issues map[string]larksync.Issue) (upsertResult, error) {
	var result upsertResult

	keys := make([]string, 0, len(issues))
	for key := range issues {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	known, _, err := tc.store.Classify(ctx, keys)
	if err != nil {
		return result, err
	}

	rows := make(map[string]map[string]interface{}, len(issues))
	for _, key := range keys {
		fields, err := tc.proj.Project(ctx, issues[key])
		if err != nil {
			w.rt.Logger.Error("projection failed, skipping issue",
				"binding", tc.binding.Key(), "issue", key, "error", err)
			RowErrors.WithLabelValues(tc.binding.Team, tc.binding.Table, "project").Inc()
			result.failed++
			continue
		}
		rows[key] = fields
	}

	var createKeys, updateKeys []string
	for _, key := range keys {
		if _, ok := rows[key]; !ok {
			continue
		}
		if _, ok := known[key]; ok {
			updateKeys = append(updateKeys, key)
		} else {
			createKeys = append(createKeys, key)
		}
	}

	w.createRows(ctx, tc, issues, rows, createKeys, &result)
	w.updateRows(ctx, tc, issues, rows, updateKeys, known, &result)
	return result, nil
}

func (w *Worker) createRows(ctx context.Context, tc *tableContext, issues map[string]larksync.Issue, rows map[string]map[string]interface{}, keys []string, result *upsertResult) {
	if len(keys) == 0 {
		return
	}
	size := chunkCap(rows, keys)

	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		payload := make([]map[string]interface{}, len(chunk))
		for i, key := range chunk {
			payload[i] = rows[key]
		}

		ids, err := w.rt.Sink.BatchCreate(ctx, tc.appToken, tc.binding.TableID, payload)
		if err != nil {
			w.rt.Logger.Error("batch create failed",
				"binding", tc.binding.Key(), "rows", len(chunk), "error", err)
			RowErrors.WithLabelValues(tc.binding.Team, tc.binding.Table, "create").
				Add(float64(len(chunk)))
			for _, key := range chunk {
				if err := tc.store.RecordFailure(ctx, key, ""); err != nil {
					w.rt.Logger.Error("failed to log row failure", "issue", key, "error", err)
				}
			}
			result.failed += len(chunk)
			continue
		}

		for i, key := range chunk {
			err := tc.store.Record(ctx, key, ids[i], issues[key].UpdatedMillis(), processlog.OutcomeCreated)
			if err != nil {
				w.rt.Logger.Error("failed to log created row", "issue", key, "error", err)
			}
		}
		result.created += len(chunk)
		RowsCreated.WithLabelValues(tc.binding.Team, tc.binding.Table).Add(float64(len(chunk)))
	}
}

func (w *Worker) updateRows(ctx context.Context, tc *tableContext, issues map[string]larksync.Issue, rows map[string]map[string]interface{}, keys []string, known map[string]string, result *upsertResult) {
	for _, key := range keys {
		recordID := known[key]
		err := w.rt.Sink.UpdateRecord(ctx, tc.appToken, tc.binding.TableID, recordID, rows[key])
		if err == nil {
			if err := tc.store.Record(ctx, key, recordID, issues[key].UpdatedMillis(), processlog.OutcomeUpdated); err != nil {
				w.rt.Logger.Error("failed to log updated row", "issue", key, "error", err)
			}
			result.updated++
			RowsUpdated.WithLabelValues(tc.binding.Team, tc.binding.Table).Inc()
			continue
		}

		if errors.Is(err, larksync.ErrRecordNotFound) {
			// The sink row vanished underneath us. Drop the stale log entry
			// so the next cycle recreates the row.
			w.rt.Logger.Warn("sink record gone, dropping log entry",
				"binding", tc.binding.Key(), "issue", key, "record", recordID)
			if derr := tc.store.Delete(ctx, key); derr != nil {
				w.rt.Logger.Error("failed to drop stale log entry", "issue", key, "error", derr)
			}
		} else {
			w.rt.Logger.Error("update failed",
				"binding", tc.binding.Key(), "issue", key, "error", err)
			if ferr := tc.store.RecordFailure(ctx, key, recordID); ferr != nil {
				w.rt.Logger.Error("failed to log row failure", "issue", key, "error", ferr)
			}
		}
		RowErrors.WithLabelValues(tc.binding.Team, tc.binding.Table, "update").Inc()
		result.failed++
	}
}

// chunkCap picks the batch-create request size from the average shape of a
// bounded sample of rows.
func chunkCap(rows map[string]map[string]interface{}, keys []string) int {
	if len(keys) == 0 {
		return chunkCapDefault
	}
	sample := keys
	if len(sample) > chunkSampleRows {
		sample = sample[:chunkSampleRows]
	}
	totalFields, totalChars := 0, 0
	for _, key := range sample {
		totalFields += len(rows[key])
		if data, err := json.Marshal(rows[key]); err == nil {
			totalChars += len(data)
		}
	}
	avgFields := totalFields / len(sample)
	avgChars := totalChars / len(sample)

	switch {
	case avgFields > heavyFieldCount || avgChars > heavyPayloadChars:
		return chunkCapSmall
	case avgFields > mediumFieldCount || avgChars > mediumPayloadChars:
		return chunkCapMedium
	default:
		return chunkCapDefault
	}
}
