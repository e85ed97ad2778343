package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/user/larksync/internal/config"
	"github.com/user/larksync/internal/engine"
	"github.com/user/larksync/internal/logging"
	"github.com/user/larksync/internal/metrics"
	"github.com/user/larksync/pkg/jira"
	"github.com/user/larksync/pkg/lark"
	"github.com/user/larksync/pkg/usercache"
	"github.com/user/larksync/pkg/usermap"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "larksync",
	Short: "larksync mirrors JIRA issues into Lark Base tables",
	Long: `A one-way incremental sync pipeline: JIRA issues matching per-table
filters are projected through a field mapping schema and upserted into
Lark Base tables.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.SetEnvPrefix("LARKSYNC")
	viper.AutomaticEnv()
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// bundle holds everything a command needs to run the pipeline.
type bundle struct {
	cfg     *config.Config
	rt      *engine.Runtime
	source  *jira.Client
	cache   *usercache.Cache
	logger  *logging.Logger
	cleanup func()
}

// bootstrap loads the config and wires the shared runtime: clients, user
// cache, cycle history, and logging.
func bootstrap(console bool) (*bundle, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level := cfg.Global.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	var logger *logging.Logger
	if console {
		logger = logging.NewConsole(level)
	} else {
		logger = logging.New(os.Stderr, level)
	}

	if err := os.MkdirAll(cfg.Global.DataDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	source, err := jira.NewClient(jira.Config{
		ServerURL:  cfg.Jira.ServerURL,
		Username:   cfg.Jira.Username,
		Password:   cfg.Jira.Password,
		Timeout:    cfg.Jira.Timeout.Std(),
		CACertPath: cfg.Jira.CACertPath,
	}, logger)
	if err != nil {
		return nil, err
	}

	sink := lark.NewClient(lark.Config{
		AppID:             cfg.Lark.AppID,
		AppSecret:         cfg.Lark.AppSecret,
		BaseURL:           cfg.Lark.BaseURL,
		Timeout:           cfg.Lark.Timeout.Std(),
		RequestsPerSecond: cfg.Lark.RequestsPerSecond,
	}, logger)

	cache, err := usercache.Open(filepath.Join(cfg.Global.DataDirectory, "user_cache.db"))
	if err != nil {
		return nil, err
	}
	history, err := metrics.Open(cfg.Global.DataDirectory)
	if err != nil {
		cache.Close()
		return nil, err
	}

	rt := &engine.Runtime{
		Source:    source,
		Sink:      sink,
		Users:     usermap.New(cache, sink, cfg.Global.UserMailDomains, logger),
		History:   history,
		Logger:    logger,
		ServerURL: cfg.Jira.ServerURL,
		DataDir:   cfg.Global.DataDirectory,
	}

	return &bundle{
		cfg:    cfg,
		rt:     rt,
		source: source,
		cache:  cache,
		logger: logger,
		cleanup: func() {
			rt.Close()
			history.Close()
			cache.Close()
		},
	}, nil
}

func main() {
	Execute()
}
