package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "delayprobe",
	Short: "Proxy node delay prober",
	Long: `delayprobe measures proxy node latency through a local Clash-compatible
proxy core, caches the results, and serves them to the UI over HTTP.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("delayprobe %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	registerGlobalFlags(rootCmd.PersistentFlags(), &opts)
	registerServeFlags(serveCmd.Flags(), &opts)
	registerCheckFlags(checkCmd.Flags(), &opts)
	_ = checkCmd.MarkFlagRequired("group")
	registerTestAllFlags(testAllCmd.Flags(), &opts)

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(testAllCmd)
	rootCmd.AddCommand(groupsCmd)
}

func main() {
	// Add version command last so it appears after auto-generated commands
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
