package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/houseofcat/turbocookedlite/pkg/tcl"
)

var version = "0.1.0"

type globalFlags struct {
	configFile  string
	path        string
	driver      string
	logLevel    string
	logEncoding string
}

func main() {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "tclpool",
		Short: "tclpool - SQLite connection pool tooling",
		Long: `tclpool exercises a turbocookedlite connection pool against a SQLite database file.
Settings come from a JSON or YAML seasoning file; --path overrides the database path.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to a JSON or YAML seasoning file")
	root.PersistentFlags().StringVarP(&flags.path, "path", "p", "", "Database file path (overrides the config)")
	root.PersistentFlags().StringVar(&flags.driver, "driver", "lite", "Driver to open connections with (lite, sql)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logEncoding, "log-encoding", "console", "Log encoding (console, json)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tclpool v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(newSoakCommand(flags))
	root.AddCommand(newCheckCommand(flags))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSeasoning reads the config file, if any, and applies the command line overrides.
func loadSeasoning(flags *globalFlags, logger *zap.Logger) (*tcl.LiteSeasoning, error) {
	seasoning := &tcl.LiteSeasoning{PoolConfig: tcl.DefaultPoolConfig("")}

	if flags.configFile != "" {
		var err error
		switch strings.ToLower(filepath.Ext(flags.configFile)) {
		case ".yaml", ".yml":
			seasoning, err = tcl.ConvertYAMLFileToConfig(flags.configFile)
		default:
			seasoning, err = tcl.ConvertJSONFileToConfig(flags.configFile)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", flags.configFile, err)
		}
	}

	if seasoning.PoolConfig == nil {
		seasoning.PoolConfig = tcl.DefaultPoolConfig("")
	}

	if flags.path != "" {
		seasoning.PoolConfig.Path = flags.path
	}

	seasoning.PoolConfig.Logger = logger

	return seasoning, nil
}

func newDriver(name string) (tcl.Driver, error) {
	switch name {
	case "lite", "":
		return tcl.NewLiteDriver(), nil
	case "sql":
		return tcl.NewSQLDriver(tcl.ModerncDriverName), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", name)
	}
}

// newPool builds the logger, the seasoning, and the pool the subcommands share.
func newPool(flags *globalFlags) (*tcl.ConnectionPool, *tcl.LiteSeasoning, *zap.Logger, error) {
	logger, err := newLogger(flags.logLevel, flags.logEncoding)
	if err != nil {
		return nil, nil, nil, err
	}

	seasoning, err := loadSeasoning(flags, logger)
	if err != nil {
		return nil, nil, logger, err
	}

	driver, err := newDriver(flags.driver)
	if err != nil {
		return nil, nil, logger, err
	}

	pool, err := tcl.NewConnectionPoolWithErrorHandler(seasoning.PoolConfig, driver, func(err error) {
		logger.Warn("pool reported an error", zap.Error(err))
	})
	if err != nil {
		return nil, nil, logger, err
	}

	return pool, seasoning, logger, nil
}
