// Package schema defines the mapping from source issue fields to sink table
// columns. Each entry names a source field path, a sink column (or an ordered
// candidate list for the identity column), and a processor tag drawn from a
// closed set.
package schema

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Processor selects the projection behavior for one mapping entry.
type Processor string

const (
	ProcessorSimple          Processor = "simple"
	ProcessorNested          Processor = "nested"
	ProcessorUser            Processor = "user"
	ProcessorDatetime        Processor = "datetime"
	ProcessorComponents      Processor = "components"
	ProcessorVersions        Processor = "versions"
	ProcessorLinks           Processor = "links"
	ProcessorLinksFiltered   Processor = "links_filtered"
	ProcessorTicketHyperlink Processor = "ticket_hyperlink"
)

var knownProcessors = map[Processor]bool{
	ProcessorSimple:          true,
	ProcessorNested:          true,
	ProcessorUser:            true,
	ProcessorDatetime:        true,
	ProcessorComponents:      true,
	ProcessorVersions:        true,
	ProcessorLinks:           true,
	ProcessorLinksFiltered:   true,
	ProcessorTicketHyperlink: true,
}

// Entry is one source-to-sink field mapping.
type Entry struct {
	SourceField string
	// SinkField is the target column name. For the identity entry it may be
	// empty, with Candidates carrying the ordered name list instead.
	SinkField  string
	Candidates []string
	Processor  Processor
	// NestedPath dereferences one level inside an object value.
	NestedPath string
	// MultiSelect emits list values for multi-select columns instead of
	// joined strings.
	MultiSelect bool
}

// IsIdentity reports whether this entry produces the hyperlink identity
// column.
func (e Entry) IsIdentity() bool {
	return e.Processor == ProcessorTicketHyperlink
}

// LinkRule is a per-prefix allowlist for the links_filtered processor.
type LinkRule struct {
	Enabled             *bool    `yaml:"enabled"`
	DisplayLinkPrefixes []string `yaml:"display_link_prefixes"`
}

// Active reports whether filtering applies; a missing enabled flag means on.
func (r LinkRule) Active() bool {
	return r.Enabled == nil || *r.Enabled
}

// Schema is the full mapping configuration for one deployment.
type Schema struct {
	Entries   []Entry
	LinkRules map[string]LinkRule
}

type rawEntry struct {
	LarkField  yaml.Node `yaml:"lark_field"`
	Processor  string    `yaml:"processor"`
	NestedPath string    `yaml:"nested_path"`
	FieldType  string    `yaml:"field_type"`
}

type rawSchema struct {
	FieldMappings  map[string]rawEntry `yaml:"field_mappings"`
	IssueLinkRules map[string]LinkRule `yaml:"issue_link_rules"`
}

// Load reads a schema file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes schema YAML.
func Parse(data []byte) (*Schema, error) {
	var raw rawSchema
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("schema: decode: %w", err)
	}

	s := &Schema{LinkRules: raw.IssueLinkRules}
	for sourceField, re := range raw.FieldMappings {
		entry := Entry{
			SourceField: sourceField,
			Processor:   normalizeProcessor(re.Processor),
			NestedPath:  re.NestedPath,
			MultiSelect: re.FieldType == "multiselect",
		}
		switch re.LarkField.Kind {
		case yaml.SequenceNode:
			if err := re.LarkField.Decode(&entry.Candidates); err != nil {
				return nil, fmt.Errorf("schema: field %s: %w", sourceField, err)
			}
		case yaml.ScalarNode:
			if err := re.LarkField.Decode(&entry.SinkField); err != nil {
				return nil, fmt.Errorf("schema: field %s: %w", sourceField, err)
			}
		default:
			return nil, fmt.Errorf("schema: field %s: lark_field must be a name or a name list", sourceField)
		}
		s.Entries = append(s.Entries, entry)
	}

	// Deterministic projection order regardless of map iteration.
	sort.Slice(s.Entries, func(i, j int) bool {
		return s.Entries[i].SourceField < s.Entries[j].SourceField
	})

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks entry structure and processor tags.
func (s *Schema) Validate() error {
	identityCount := 0
	for _, entry := range s.Entries {
		if !knownProcessors[entry.Processor] {
			return fmt.Errorf("schema: field %s: unknown processor %q", entry.SourceField, entry.Processor)
		}
		if entry.IsIdentity() {
			identityCount++
			if entry.SinkField == "" && len(entry.Candidates) == 0 {
				return fmt.Errorf("schema: identity field %s needs a sink column or candidate list", entry.SourceField)
			}
		} else if entry.SinkField == "" {
			return fmt.Errorf("schema: field %s: lark_field is required", entry.SourceField)
		}
	}
	if identityCount == 0 {
		return fmt.Errorf("schema: no ticket_hyperlink identity entry configured")
	}
	if identityCount > 1 {
		return fmt.Errorf("schema: multiple ticket_hyperlink identity entries configured")
	}
	return nil
}

// Identity returns the identity entry.
func (s *Schema) Identity() Entry {
	for _, entry := range s.Entries {
		if entry.IsIdentity() {
			return entry
		}
	}
	return Entry{}
}

// SourceFields lists the source field names the mapping consumes, always
// including key and updated so the pipeline can identify and filter issues.
func (s *Schema) SourceFields() []string {
	seen := map[string]bool{"key": true, "updated": true}
	fields := []string{"key", "updated"}
	for _, entry := range s.Entries {
		// Only the top-level segment goes to the source query.
		name := entry.SourceField
		for i := 0; i < len(name); i++ {
			if name[i] == '.' {
				name = name[:i]
				break
			}
		}
		if !seen[name] {
			seen[name] = true
			fields = append(fields, name)
		}
	}
	return fields
}

// LinkRuleFor returns the rule for an issue key prefix, falling back to the
// "default" rule. The second result reports whether any rule applied.
func (s *Schema) LinkRuleFor(prefix string) (LinkRule, bool) {
	if rule, ok := s.LinkRules[prefix]; ok {
		return rule, true
	}
	if rule, ok := s.LinkRules["default"]; ok {
		return rule, true
	}
	return LinkRule{}, false
}

func normalizeProcessor(name string) Processor {
	// The older schema form used extract_* tags; both forms are equivalent.
	switch name {
	case "extract_simple", "":
		return ProcessorSimple
	case "extract_nested":
		return ProcessorNested
	case "extract_user":
		return ProcessorUser
	case "convert_datetime":
		return ProcessorDatetime
	case "extract_components":
		return ProcessorComponents
	case "extract_versions":
		return ProcessorVersions
	case "extract_links":
		return ProcessorLinks
	case "extract_links_filtered":
		return ProcessorLinksFiltered
	case "extract_ticket_link":
		return ProcessorTicketHyperlink
	default:
		return Processor(name)
	}
}
