// Package cmd implements the sysarray CLI.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"yqhp/sysarray/internal/config"
	"yqhp/sysarray/pkg/logger"
)

const (
	// Version is the current version.
	Version = "0.1.0"
	// Banner is printed on startup.
	Banner = `
   ___ _   _ ___ __ _ _ _ _ _ __ _ _  _
  (_-<| |_| (_-</ _' | '_| '_/ _' | || |
  /__/ \__, /__/\__,_|_| |_| \__,_|\_, |  %s
       |___/                       |__/
`
)

var (
	cfgFile   string
	debug     bool
	quiet     bool
	overrides []string
)

var rootCmd = &cobra.Command{
	Use:   "sysarray",
	Short: "Distributed master/slave processing framework",
	Long: `sysarray connects nodes into system arrays. A master splits segmented
jobs across its slaves in proportion to their measured speed; a mediator is
a slave to its master and a master to its own sub-array.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "do not print the banner")
	rootCmd.PersistentFlags().StringArrayVar(&overrides, "set", nil, "override a config value, e.g. --set parallel.timeout=10s")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd returns the root command, for tests.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig loads, validates and applies the logging section.
func loadConfig() (*config.Config, error) {
	args, err := parseOverrides(overrides)
	if err != nil {
		return nil, err
	}

	loader := config.NewLoader().WithCmdArgs(args)
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Init(cfg.Logging.LoggerOptions())
	return cfg, nil
}

func parseOverrides(kvs []string) (map[string]string, error) {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", kv)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}

func printBanner(lines ...string) {
	if quiet {
		return
	}
	fmt.Printf(Banner, Version)
	fmt.Println()
	for _, l := range lines {
		fmt.Println("  " + l)
	}
	fmt.Println()
}
