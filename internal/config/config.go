// Package config loads and validates the deployment configuration: source
// and sink credentials, the field mapping schema, and the team/table sync
// topology.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/larksync/pkg/schema"
)

// Duration parses YAML duration strings like "5m" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Global GlobalConfig          `yaml:"global"`
	Jira   JiraConfig            `yaml:"jira"`
	Lark   LarkConfig            `yaml:"lark"`
	Teams  map[string]TeamConfig `yaml:"teams"`

	// Schema is parsed from the same file's field_mappings and
	// issue_link_rules sections.
	Schema *schema.Schema `yaml:"-"`

	// Dir is the directory the config file was loaded from; relative paths
	// inside the file resolve against it.
	Dir string `yaml:"-"`
}

type GlobalConfig struct {
	LogLevel            string   `yaml:"log_level"`
	DefaultSyncInterval Duration `yaml:"default_sync_interval"`
	DataDirectory       string   `yaml:"data_directory"`
	UserMailDomains     []string `yaml:"user_mail_domains"`
	MaintenanceSchedule string   `yaml:"maintenance_schedule"`
	MetricsListen       string   `yaml:"metrics_listen"`
}

type JiraConfig struct {
	ServerURL  string   `yaml:"server_url"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	Timeout    Duration `yaml:"timeout"`
	CACertPath string   `yaml:"ca_cert_path"`
}

type LarkConfig struct {
	AppID             string   `yaml:"app_id"`
	AppSecret         string   `yaml:"app_secret"`
	BaseURL           string   `yaml:"base_url"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Timeout           Duration `yaml:"timeout"`
}

type TeamConfig struct {
	Enabled      *bool                  `yaml:"enabled"`
	SyncInterval Duration               `yaml:"sync_interval"`
	WikiToken    string                 `yaml:"wiki_token"`
	Tables       map[string]TableConfig `yaml:"tables"`
}

type TableConfig struct {
	Enabled        *bool    `yaml:"enabled"`
	TableID        string   `yaml:"table_id"`
	JQLQuery       string   `yaml:"jql_query"`
	SyncInterval   Duration `yaml:"sync_interval"`
	ExcludedFields []string `yaml:"excluded_fields"`
}

// Binding is one enabled team/table pair, the unit of scheduling.
type Binding struct {
	Team           string
	Table          string
	WikiToken      string
	TableID        string
	JQLQuery       string
	Interval       time.Duration
	ExcludedFields []string
}

// Key identifies the binding in logs and metrics.
func (b Binding) Key() string {
	return b.Team + "/" + b.Table
}

// Load reads, parses, and validates the configuration at path. Secrets may
// be supplied through LARKSYNC_JIRA_PASSWORD and LARKSYNC_LARK_APP_SECRET,
// which override the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	cfg.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: resolve dir: %w", err)
	}
	if cfg.Jira.CACertPath != "" && !filepath.IsAbs(cfg.Jira.CACertPath) {
		cfg.Jira.CACertPath = filepath.Join(cfg.Dir, cfg.Jira.CACertPath)
	}
	if !filepath.IsAbs(cfg.Global.DataDirectory) {
		cfg.Global.DataDirectory = filepath.Join(cfg.Dir, cfg.Global.DataDirectory)
	}
	return cfg, nil
}

// Parse decodes and validates configuration YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	s, err := schema.Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Schema = s

	if v := os.Getenv("LARKSYNC_JIRA_PASSWORD"); v != "" {
		cfg.Jira.Password = v
	}
	if v := os.Getenv("LARKSYNC_LARK_APP_SECRET"); v != "" {
		cfg.Lark.AppSecret = v
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = "info"
	}
	if c.Global.DefaultSyncInterval == 0 {
		c.Global.DefaultSyncInterval = Duration(5 * time.Minute)
	}
	if c.Global.DataDirectory == "" {
		c.Global.DataDirectory = "data"
	}
}

func (c *Config) validate() error {
	if c.Jira.ServerURL == "" {
		return fmt.Errorf("jira.server_url is required")
	}
	if c.Lark.AppID == "" || c.Lark.AppSecret == "" {
		return fmt.Errorf("lark.app_id and lark.app_secret are required")
	}
	for teamName, team := range c.Teams {
		if !enabled(team.Enabled) {
			continue
		}
		if team.WikiToken == "" {
			return fmt.Errorf("teams.%s: wiki_token is required", teamName)
		}
		for tableName, table := range team.Tables {
			if !enabled(table.Enabled) {
				continue
			}
			if table.TableID == "" {
				return fmt.Errorf("teams.%s.tables.%s: table_id is required", teamName, tableName)
			}
			if table.JQLQuery == "" {
				return fmt.Errorf("teams.%s.tables.%s: jql_query is required", teamName, tableName)
			}
		}
	}
	return nil
}

// Bindings enumerates the enabled team/table pairs in deterministic order.
// The sync interval resolves table over team over global default.
func (c *Config) Bindings() []Binding {
	var bindings []Binding
	for teamName, team := range c.Teams {
		if !enabled(team.Enabled) {
			continue
		}
		for tableName, table := range team.Tables {
			if !enabled(table.Enabled) {
				continue
			}
			interval := c.Global.DefaultSyncInterval
			if team.SyncInterval != 0 {
				interval = team.SyncInterval
			}
			if table.SyncInterval != 0 {
				interval = table.SyncInterval
			}
			bindings = append(bindings, Binding{
				Team:           teamName,
				Table:          tableName,
				WikiToken:      team.WikiToken,
				TableID:        table.TableID,
				JQLQuery:       table.JQLQuery,
				Interval:       interval.Std(),
				ExcludedFields: table.ExcludedFields,
			})
		}
	}
	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].Key() < bindings[j].Key()
	})
	return bindings
}

// Find returns the binding for team/table, if enabled.
func (c *Config) Find(team, table string) (Binding, bool) {
	for _, b := range c.Bindings() {
		if b.Team == team && b.Table == table {
			return b, true
		}
	}
	return Binding{}, false
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}
