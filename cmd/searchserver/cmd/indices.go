package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/router"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/server"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/rpc"
)

// newIndicesCmd manages indices on a running server over RPC.
func newIndicesCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "indices",
		Short: "Inspect and manage indices on a running server",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "RPC address of the server (default: rpc.addr from config)")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-call timeout")

	call := func(cmd *cobra.Command, method string, params, result any) error {
		target := addr
		if target == "" {
			cfg, err := load()
			if err != nil {
				return err
			}
			target = cfg.RPC.Addr
			if strings.HasPrefix(target, ":") {
				target = "localhost" + target
			}
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		c, err := rpc.Dial(ctx, target)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Call(ctx, method, params, result)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List index names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var names []string
			if err := call(cmd, server.MethodListIndices, nil, &names); err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show an index's schema and state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sum catalog.Summary
			if err := call(cmd, server.MethodSummary, server.IndexParams{Index: args[0]}, &sum); err != nil {
				return err
			}
			return printSummary(cmd, sum)
		},
	}

	var (
		schemaPath string
		opts       catalog.IndexOptions
		policy     string
	)
	create := &cobra.Command{
		Use:   "create <name> --schema schema.json",
		Short: "Create an index from a JSON schema file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(schemaPath)
			if err != nil {
				return fmt.Errorf("reading schema: %w", err)
			}
			var s schema.Schema
			if err := json.Unmarshal(data, &s); err != nil {
				return fmt.Errorf("parsing schema %s: %w", schemaPath, err)
			}
			opts.WriterPolicy = catalog.WriterPolicy(policy)
			var sum catalog.Summary
			params := server.CreateIndexParams{Index: args[0], CreateIndex: router.CreateIndex{Schema: s, Options: opts}}
			if err := call(cmd, server.MethodCreateIndex, params, &sum); err != nil {
				return err
			}
			return printSummary(cmd, sum)
		},
	}
	create.Flags().StringVar(&schemaPath, "schema", "", "path to a JSON schema ({\"fields\": [...]})")
	create.Flags().StringVar(&opts.Engine, "engine", "", "engine (native or bleve)")
	create.Flags().DurationVar(&opts.CommitInterval, "commit-interval", 0, "commit interval")
	create.Flags().IntVar(&opts.CommitThreshold, "commit-threshold", 0, "pending operations that trigger a commit")
	create.Flags().StringVar(&policy, "writer-policy", "", "block or reject while committing")
	_ = create.MarkFlagRequired("schema")

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an index and its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd, server.MethodDeleteIndex, server.IndexParams{Index: args[0]}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	commit := &cobra.Command{
		Use:   "commit <name>",
		Short: "Force a commit of pending writes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res catalog.CommitResult
			if err := call(cmd, server.MethodCommit, server.IndexParams{Index: args[0]}, &res); err != nil {
				return err
			}
			if !res.Committed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing pending (generation %d)\n", args[0], res.Generation)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: committed %d ops, generation %d\n", args[0], res.Ops, res.Generation)
			return nil
		},
	}

	cmd.AddCommand(list, show, create, del, commit)
	return cmd
}

func printSummary(cmd *cobra.Command, sum catalog.Summary) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "name\t%s\n", sum.Name)
	fmt.Fprintf(w, "engine\t%s\n", sum.Options.Engine)
	fmt.Fprintf(w, "generation\t%d\n", sum.Generation)
	fmt.Fprintf(w, "documents\t%d\n", sum.DocCount)
	fmt.Fprintf(w, "pending\t%d\n", sum.Pending)
	fmt.Fprintf(w, "state\t%s\n", sum.State)
	if !sum.LastCommit.IsZero() {
		fmt.Fprintf(w, "last commit\t%s\n", sum.LastCommit.Format(time.RFC3339))
	}
	fmt.Fprintln(w, "fields\t")
	for _, f := range sum.Schema.Fields {
		fmt.Fprintf(w, "  %s\t%s indexed=%t stored=%t %s\n", f.Name, f.Type, f.Indexed, f.Stored, f.Tokenizer)
	}
	return w.Flush()
}
