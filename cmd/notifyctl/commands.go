package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	addr    string
	key     string
	timeout time.Duration
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "notifyctl",
		Short:         "Control the realtime notify listener and cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.addr, "addr", envOr("NOTIFYCTL_ADDR", "http://localhost:8080"), "server base URL")
	cmd.PersistentFlags().StringVar(&flags.key, "key", os.Getenv("INTERNAL_API_KEY"), "internal API key")
	cmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 15*time.Second, "request timeout")

	cmd.AddCommand(
		newStatusCommand(flags),
		newActionCommand(flags, "start", "Start the listener"),
		newActionCommand(flags, "stop", "Stop the listener"),
		newActionCommand(flags, "restart", "Restart the listener on a fresh connection"),
		newTestCommand(flags),
		newRefreshCommand(flags),
	)
	return cmd
}

func newStatusCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show listener state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newClient(flags.addr, flags.key, flags.timeout)
			data, err := c.do(cmd.Context(), "GET", "/internal/pg-notify", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newActionCommand(flags *rootFlags, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newClient(flags.addr, flags.key, flags.timeout)
			data, err := c.do(cmd.Context(), "POST", "/internal/pg-notify", map[string]string{"action": action})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newTestCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "test <channel> [payload]",
		Short: "Send a test notification through Postgres (disabled in production)",
		Example: `  notifyctl test public_labels_changed
  notifyctl test global_stats_cache_invalidation '{"users":1,"connections":2}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{"action": "test", "channel": args[0]}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				body["payload"] = json.RawMessage(args[1])
			}
			c := newClient(flags.addr, flags.key, flags.timeout)
			data, err := c.do(cmd.Context(), "POST", "/internal/pg-notify", body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newRefreshCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild a cache entry from Postgres",
	}
	refresh := func(use, short, path string, args cobra.PositionalArgs, body func([]string) interface{}) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(cmd *cobra.Command, a []string) error {
				c := newClient(flags.addr, flags.key, flags.timeout)
				data, err := c.do(cmd.Context(), "POST", path, body(a))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), data)
			},
		}
	}
	none := func([]string) interface{} { return nil }

	cmd.AddCommand(
		refresh("global-stats", "Refresh the global statistics", "/internal/cache/global-stats/refresh", cobra.NoArgs, none),
		refresh("user-stats <user-id>", "Refresh one user's statistics", "/internal/cache/user-stats/refresh", cobra.ExactArgs(1),
			func(a []string) interface{} { return map[string]string{"user_id": a[0]} }),
		refresh("mastodon-instances", "Refresh the Mastodon instance list", "/internal/cache/mastodon-instances/refresh", cobra.NoArgs, none),
	)
	return cmd
}

func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
