// Command qcache talks to QCache nodes: upload and read datasets, probe node
// health and benchmark uploads and queries.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pior/qclient"
)

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigFile     string
	Nodes          []string
	ReadTimeout    time.Duration
	ConnectTimeout time.Duration
	LogLevel       string
}

var globalFlags GlobalFlags

var logger *slog.Logger

var rootCmd = &cobra.Command{
	Use:           "qcache",
	Short:         "QCache command line client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(globalFlags.LogLevel)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", globalFlags.LogLevel, err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&globalFlags.ConfigFile, "config", "", "YAML client configuration")
	flags.StringSliceVar(&globalFlags.Nodes, "node", nil, "node URL, repeatable (default http://localhost:8888)")
	flags.DurationVar(&globalFlags.ReadTimeout, "read-timeout", 0, "read timeout (default 1s)")
	flags.DurationVar(&globalFlags.ConnectTimeout, "connect-timeout", 0, "connect timeout (default 1s)")
	flags.StringVar(&globalFlags.LogLevel, "log-level", "warn", "log level: debug, info, warn, error")

	rootCmd.AddCommand(postCmd, getCmd, queryCmd, statusCmd, statsCmd, benchCmd)
}

// newClient builds a client from the configuration file, overridden by flags.
func newClient() (*qclient.Client, error) {
	var nodes []qclient.Node
	var config qclient.Config

	if globalFlags.ConfigFile != "" {
		var err error
		nodes, config, err = qclient.LoadConfig(globalFlags.ConfigFile)
		if err != nil {
			return nil, err
		}
	}

	if len(globalFlags.Nodes) > 0 {
		nodes = qclient.NewNodes(globalFlags.Nodes...)
	}
	if len(nodes) == 0 {
		nodes = qclient.NewNodes("http://localhost:8888")
	}
	if globalFlags.ReadTimeout != 0 {
		config.ReadTimeout = globalFlags.ReadTimeout
	}
	if globalFlags.ConnectTimeout != 0 {
		config.ConnectTimeout = globalFlags.ConnectTimeout
	}
	config.Logger = logger

	return qclient.NewClient(nodes, config)
}

// parseKeyValues parses "a=1;b=2" or repeated "a=1" flags.
func parseKeyValues(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	m := make(map[string]string)
	for _, v := range values {
		for _, pair := range strings.Split(v, ";") {
			if pair == "" {
				continue
			}
			k, val, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("expected key=value, got %q", pair)
			}
			m[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
	}
	return m, nil
}
