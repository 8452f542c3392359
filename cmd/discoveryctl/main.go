// Package main implements discoveryctl, the command line client of the
// instance status API.
//
// Commands:
//
//	discoveryctl health                    Local instances and leadership
//	discoveryctl view                      Established view and live set
//	discoveryctl votings                   Open votings with their ballots
//	discoveryctl instances                 Heartbeats and liveness
//	discoveryctl start-voting [--instance] [--reset]
//	                                       Force a voting for the live set
//
// Configuration:
//   - --addr: Instance URL (default: $DISCOVERY_ADDR or "http://127.0.0.1:8080")
//   - --timeout: Request timeout (default: 5s)
//   - -v, --verbose: Log requests
//
// Every command prints the JSON answer of the instance, indented.
package main

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/untillpro/goutils/cobrau"
	"github.com/untillpro/goutils/logger"

	"github.com/dreamware/topovote/internal/cluster"
)

//go:embed version
var version string

type options struct {
	addr    string
	timeout time.Duration
}

func main() {
	if err := execRootCmd(os.Args, version); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func execRootCmd(args []string, ver string) error {
	return cobrau.ExecCommandAndCatchInterrupt(newRootCmd(args, ver))
}

func newRootCmd(args []string, ver string) *cobra.Command {
	version = ver
	opts := &options{}
	rootCmd := cobrau.PrepareRootCmd(
		"discoveryctl",
		"Inspects and controls cluster discovery through an instance",
		args,
		version,
		newVersionCmd(),
		newGetCmd(opts, "health", "Shows the local instances and which one leads", "/health"),
		newGetCmd(opts, "view", "Shows the established view and the live instances", "/view"),
		newGetCmd(opts, "votings", "Lists open votings", "/votings"),
		newGetCmd(opts, "instances", "Lists heartbeats and liveness", "/instances"),
		newStartVotingCmd(opts),
	)
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", getenv("DISCOVERY_ADDR", "http://127.0.0.1:8080"), "Instance URL")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "Request timeout")
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the version of discoveryctl",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "discoveryctl version", strings.TrimSpace(version))
		},
	}
}

// newGetCmd builds a command that prints the answer of GET path
func newGetCmd(opts *options, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			url := endpoint(opts.addr, path)
			if logger.IsVerbose() {
				logger.Verbose("GET " + url)
			}
			var raw json.RawMessage
			if err := cluster.GetJSON(ctx, url, &raw); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func newStartVotingCmd(opts *options) *cobra.Command {
	var (
		instance string
		reset    bool
	)
	cmd := &cobra.Command{
		Use:   "start-voting",
		Short: "Opens a voting for the current live instances",
		Long: "Opens a voting for the current live instances even when they match the " +
			"established view. A voting for the same members that is already open is reported as a conflict.\n\n" +
			"With --reset the initiating instance gives up leadership: it takes a fresh leader election id " +
			"before voting, so another member leads the resulting view.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			url := endpoint(opts.addr, "/votings/start")
			if logger.IsVerbose() {
				logger.Verbose("POST " + url)
			}
			var raw json.RawMessage
			req := cluster.StartVotingRequest{Instance: instance, Reset: reset}
			if err := cluster.PostJSON(ctx, url, req, &raw); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "Virtual instance that initiates the voting, default the first")
	cmd.Flags().BoolVar(&reset, "reset", false, "Reset the leader election id of the initiating instance first")
	return cmd
}

func endpoint(addr, path string) string {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + path
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("malformed answer: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
