package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/sqlgate/api"
	"pkt.systems/sqlgate/client"
)

const defaultServerURL = "http://127.0.0.1:9350"

// addClientFlags registers the connection flags shared by every client
// subcommand. They are persistent so they can precede the subcommand.
func addClientFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringP("server", "s", defaultServerURL, "sqlgate server URL used by client subcommands")
	flags.String("ds", "", "datasource used by client subcommands (empty selects the server default)")
	flags.Duration("client-timeout", 30*time.Second, "HTTP timeout for client subcommands")
	for _, name := range []string{"server", "ds", "client-timeout"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func newAPIClient() (*client.Client, error) {
	return client.New(viper.GetString("server"),
		client.WithDatasource(viper.GetString("ds")),
		client.WithHTTPTimeout(viper.GetDuration("client-timeout")),
	)
}

func newClientCommands() []*cobra.Command {
	return []*cobra.Command{
		newStatementCommand("exec", false),
		newStatementCommand("query", true),
		newXACommand(),
		newStatsCommand(),
		newHealthCommand(),
	}
}

func newStatementCommand(name string, query bool) *cobra.Command {
	var rawArgs []string
	short := "Run a statement that returns no rows"
	if query {
		short = "Run a statement and print its rows"
	}
	cmd := &cobra.Command{
		Use:   name + " SQL",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			params, err := parseStatementArgs(rawArgs)
			if err != nil {
				return err
			}
			cli, err := newAPIClient()
			if err != nil {
				return err
			}
			rows, res, err := cli.Statement(cmd.Context(), query, api.StatementRequest{SQL: args[0], Args: params})
			if err != nil {
				return err
			}
			if query {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringArrayVarP(&rawArgs, "arg", "a", nil, "positional statement argument, parsed as JSON when valid (repeatable)")
	return cmd
}

func newXACommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xa",
		Short: "Manage XA transaction branches",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Open a transaction branch and print its xid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := newAPIClient()
			if err != nil {
				return err
			}
			xid, err := cli.XAStart(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), xid)
			return err
		},
	})

	var rawArgs []string
	var kind string
	execCmd := &cobra.Command{
		Use:   "exec XID SQL",
		Short: "Run a statement inside a branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			params, err := parseStatementArgs(rawArgs)
			if err != nil {
				return err
			}
			cli, err := newAPIClient()
			if err != nil {
				return err
			}
			res, err := cli.XAExec(cmd.Context(), args[0], kind, args[1], params...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	execCmd.Flags().StringArrayVarP(&rawArgs, "arg", "a", nil, "positional statement argument, parsed as JSON when valid (repeatable)")
	execCmd.Flags().StringVar(&kind, "kind", "exec", "statement kind (exec or query)")
	cmd.AddCommand(execCmd)

	branchOps := []struct {
		use, short string
		run        func(*client.Client, *cobra.Command, string) error
	}{
		{"prepare", "Mark a branch prepared", func(c *client.Client, cmd *cobra.Command, xid string) error { return c.XAPrepare(cmd.Context(), xid) }},
		{"commit", "Commit a branch", func(c *client.Client, cmd *cobra.Command, xid string) error { return c.XACommit(cmd.Context(), xid) }},
		{"rollback", "Roll back a branch", func(c *client.Client, cmd *cobra.Command, xid string) error { return c.XARollback(cmd.Context(), xid) }},
	}
	for _, op := range branchOps {
		cmd.AddCommand(&cobra.Command{
			Use:   op.use + " XID",
			Short: op.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cmd.SilenceUsage = true
				cli, err := newAPIClient()
				if err != nil {
					return err
				}
				if err := op.run(cli, cmd, args[0]); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], op.use)
				return err
			},
		})
	}
	return cmd
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print admission snapshots for every datasource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := newAPIClient()
			if err != nil {
				return err
			}
			stats, err := cli.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := newAPIClient()
			if err != nil {
				return err
			}
			health, err := cli.Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), health)
		},
	}
}

// parseStatementArgs decodes each value as JSON when it parses, keeping it
// as a string otherwise, so 42 is a number and abc is text.
func parseStatementArgs(raw []string) ([]any, error) {
	out := make([]any, 0, len(raw))
	for _, s := range raw {
		trimmed := strings.TrimSpace(s)
		if trimmed == "" || !json.Valid([]byte(trimmed)) {
			out = append(out, s)
			continue
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("parse argument %q: %w", s, err)
		}
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("argument %q: objects and arrays are not supported", s)
		}
		out = append(out, v)
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
