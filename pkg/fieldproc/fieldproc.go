// Package fieldproc projects raw source issues into sink row payloads. A
// Plan binds a mapping schema to one table's live column set; Project is a
// pure transformation over it, so the same plan serves a whole cycle.
package fieldproc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/user/larksync"
	"github.com/user/larksync/pkg/schema"
)

// UserMapper resolves a raw user field value into a sink person cell, or nil
// when the identity is unresolved.
type UserMapper interface {
	Map(ctx context.Context, value interface{}) (interface{}, error)
}

// Plan is a schema bound to one table's columns.
type Plan struct {
	schema         *schema.Schema
	columns        map[string]larksync.FieldType
	excluded       map[string]bool
	identityColumn string
	serverURL      string
}

// NewPlan resolves the schema against the table's live columns. The identity
// entry must land on a hyperlink-typed column: candidates are tried in list
// order and the first hyperlink-typed one wins. No match is a configuration
// error and the table cannot be synced.
func NewPlan(s *schema.Schema, columns []larksync.Field, excluded []string, serverURL string) (*Plan, error) {
	p := &Plan{
		schema:    s,
		columns:   make(map[string]larksync.FieldType, len(columns)),
		excluded:  make(map[string]bool, len(excluded)),
		serverURL: strings.TrimRight(serverURL, "/"),
	}
	for _, col := range columns {
		p.columns[col.Name] = col.Type
	}
	for _, name := range excluded {
		p.excluded[name] = true
	}

	identity := s.Identity()
	candidates := identity.Candidates
	if len(candidates) == 0 {
		candidates = []string{identity.SinkField}
	}
	for _, name := range candidates {
		if p.columns[name] == larksync.FieldTypeHyperlink {
			p.identityColumn = name
			break
		}
	}
	if p.identityColumn == "" {
		return nil, fmt.Errorf("fieldproc: no hyperlink column among identity candidates %v", candidates)
	}
	return p, nil
}

// IdentityColumn returns the resolved identity column name.
func (p *Plan) IdentityColumn() string {
	return p.identityColumn
}

// Projector applies a plan to issues.
type Projector struct {
	plan   *Plan
	users  UserMapper
	logger larksync.Logger
}

// NewProjector builds a projector over plan. users may be nil when the
// schema has no user entries.
func NewProjector(plan *Plan, users UserMapper, logger larksync.Logger) *Projector {
	return &Projector{plan: plan, users: users, logger: logger}
}

// Project builds the sink row payload for issue. Excluded columns and columns
// absent from the table are omitted, never cleared. A failure to build the
// identity cell fails the whole issue; every other processor fails soft to an
// omitted or empty value.
func (p *Projector) Project(ctx context.Context, issue larksync.Issue) (map[string]interface{}, error) {
	if issue.Key == "" {
		return nil, fmt.Errorf("fieldproc: issue without key")
	}

	var fieldsJSON []byte
	row := make(map[string]interface{})

	for _, entry := range p.plan.schema.Entries {
		if entry.IsIdentity() {
			row[p.plan.identityColumn] = larksync.Hyperlink{
				Text: issue.Key,
				Link: p.plan.serverURL + "/browse/" + issue.Key,
			}
			continue
		}

		column := entry.SinkField
		if p.plan.excluded[column] {
			continue
		}
		if _, ok := p.plan.columns[column]; !ok {
			continue
		}

		raw, present := issue.Fields[topLevel(entry.SourceField)]

		var value interface{}
		var err error
		switch entry.Processor {
		case schema.ProcessorSimple:
			value = raw
		case schema.ProcessorNested:
			if fieldsJSON == nil {
				fieldsJSON, err = json.Marshal(issue.Fields)
				if err != nil {
					return nil, fmt.Errorf("fieldproc: encode fields of %s: %w", issue.Key, err)
				}
			}
			value = nestedValue(fieldsJSON, entry)
		case schema.ProcessorUser:
			if p.users == nil || !present {
				continue
			}
			value, err = p.users.Map(ctx, raw)
			if err != nil {
				if p.logger != nil {
					p.logger.Warn("user mapping failed, omitting cell",
						"issue", issue.Key, "column", column, "error", err)
				}
				continue
			}
			if value == nil {
				continue
			}
		case schema.ProcessorDatetime:
			value = p.datetimeValue(issue.Key, column, raw)
		case schema.ProcessorComponents, schema.ProcessorVersions:
			value = namedListValue(raw, entry.MultiSelect)
		case schema.ProcessorLinks:
			value = linkedKeysValue(raw, nil, entry.MultiSelect)
		case schema.ProcessorLinksFiltered:
			value = linkedKeysValue(raw, p.linkFilter(issue.Key), entry.MultiSelect)
		default:
			continue
		}
		row[column] = value
	}
	return row, nil
}

// datetimeValue converts a source timestamp into sink epoch milliseconds.
// Unparseable values map to nil with a warning instead of failing the row.
func (p *Projector) datetimeValue(issueKey, column string, raw interface{}) interface{} {
	s, ok := raw.(string)
	if !ok || s == "" {
		return nil
	}
	ms, err := larksync.ParseSourceTime(s)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("unparseable timestamp, writing empty cell",
				"issue", issueKey, "column", column, "value", s)
		}
		return nil
	}
	return ms
}

// linkFilter returns the allowed-prefix predicate for issues in issueKey's
// project, or nil when no rule restricts the links.
func (p *Projector) linkFilter(issueKey string) func(string) bool {
	rule, ok := p.plan.schema.LinkRuleFor(keyPrefix(issueKey))
	if !ok || !rule.Active() || len(rule.DisplayLinkPrefixes) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(rule.DisplayLinkPrefixes))
	for _, prefix := range rule.DisplayLinkPrefixes {
		allowed[prefix] = true
	}
	return func(key string) bool {
		return allowed[keyPrefix(key)]
	}
}

// nestedValue dereferences a dotted path inside the issue fields. A missing
// intermediate resolves to an empty string.
func nestedValue(fieldsJSON []byte, entry schema.Entry) interface{} {
	path := entry.SourceField
	if entry.NestedPath != "" {
		path += "." + entry.NestedPath
	}
	result := gjson.GetBytes(fieldsJSON, path)
	if !result.Exists() || result.Type == gjson.Null {
		return ""
	}
	return result.Value()
}

// namedListValue extracts the name of each element of a component or version
// list, preserving order.
func namedListValue(raw interface{}, multiSelect bool) interface{} {
	items, ok := raw.([]interface{})
	if !ok {
		return emptyListValue(multiSelect)
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if name, ok := m["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return listValue(names, multiSelect)
}

// linkedKeysValue extracts linked issue keys, outward and inward, optionally
// restricted by keep.
func linkedKeysValue(raw interface{}, keep func(string) bool, multiSelect bool) interface{} {
	items, ok := raw.([]interface{})
	if !ok {
		return emptyListValue(multiSelect)
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		for _, side := range []string{"outwardIssue", "inwardIssue"} {
			linked, ok := m[side].(map[string]interface{})
			if !ok {
				continue
			}
			key, ok := linked["key"].(string)
			if !ok || key == "" {
				continue
			}
			if keep == nil || keep(key) {
				keys = append(keys, key)
			}
		}
	}
	return listValue(keys, multiSelect)
}

func listValue(values []string, multiSelect bool) interface{} {
	if multiSelect {
		return values
	}
	return strings.Join(values, ", ")
}

func emptyListValue(multiSelect bool) interface{} {
	if multiSelect {
		return []string{}
	}
	return ""
}

func topLevel(sourceField string) string {
	if i := strings.IndexByte(sourceField, '.'); i > 0 {
		return sourceField[:i]
	}
	return sourceField
}

func keyPrefix(issueKey string) string {
	if i := strings.IndexByte(issueKey, '-'); i > 0 {
		return issueKey[:i]
	}
	return issueKey
}
