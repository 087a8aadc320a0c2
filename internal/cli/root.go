// Package cli implements the care-companion commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/config"
	"github.com/rcliao/care-companion/internal/logging"
	"github.com/rcliao/care-companion/internal/store"
)

var (
	dbPath     string
	configPath string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "care-companion",
	Short: "Conversational care monitoring for older adults",
	Long: "Stores patient conversations, classifies each turn for sentiment and emergencies, " +
		"walks the patient through a safety check and alerts caregivers when needed. SQLite-backed, single binary.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $CARE_DB, the config file, or ~/.care-companion/care.db)")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CARE_CONFIG"), "YAML config file")
}

// loadConfig reads the config file and applies the --db override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, nil
}

func openStore() (*store.SQLiteStore, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return s, cfg, nil
}

// newLogger builds the logger. One-shot commands log warnings and above
// unless the config asks for more.
func newLogger(cfg *config.Config, quiet bool) *zap.Logger {
	level := cfg.Log.Level
	if quiet && (level == "debug" || level == "info") {
		level = "warn"
	}
	logger, err := logging.New(level, cfg.Log.Format)
	if err != nil {
		exitErr("logger", err)
	}
	return logger
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
