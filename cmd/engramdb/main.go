// Package main provides the EngramDB CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orneryd/engramdb/pkg/config"
	"github.com/orneryd/engramdb/pkg/engramdb"
	"github.com/orneryd/engramdb/pkg/graph"
	"github.com/orneryd/engramdb/pkg/query"
	"github.com/orneryd/engramdb/pkg/schema"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "engramdb",
		Short: "EngramDB - Graph-structured memory store for LLM agents",
		Long: `EngramDB stores agent conversation memory as a typed graph:
sessions, prompts, responses, tool invocations, agents, and templates,
connected by typed edges with full lineage tracking.

Storage is WAL-backed and crash-safe; auxiliary indexes are rebuilt on
open and kept transactionally consistent afterwards.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("EngramDB v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new EngramDB data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			db, err := engramdb.Open(engramdb.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer db.Close()

			ver, err := db.Schema().Current()
			if err != nil {
				return err
			}
			fmt.Printf("Initialized %s (schema %s)\n", cfg.Storage.DataDir, ver)
			return nil
		},
	}
	initCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.AddCommand(initCmd)

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			db, err := engramdb.Open(engramdb.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := context.Background()
			stats := db.Stats()
			ver, err := db.Schema().Current()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Data directory:\t%s\n", cfg.Storage.DataDir)
			fmt.Fprintf(w, "Schema version:\t%s\n", ver)
			fmt.Fprintf(w, "Nodes:\t%d\n", stats.Nodes)
			fmt.Fprintf(w, "Edges:\t%d\n", stats.Edges)
			fmt.Fprintf(w, "WAL sequence:\t%d\n", stats.WAL.Sequence)

			for _, kind := range []graph.NodeKind{
				graph.KindSession, graph.KindPrompt, graph.KindResponse,
				graph.KindToolInvocation, graph.KindAgent, graph.KindTemplate,
				graph.KindArchivePointer,
			} {
				n, err := db.Query().Count(ctx, query.Spec{Kinds: []graph.NodeKind{kind}})
				if err != nil {
					return err
				}
				if n > 0 {
					fmt.Fprintf(w, "  %s:\t%d\n", kind, n)
				}
			}
			return w.Flush()
		},
	}
	infoCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.AddCommand(infoCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Scan every record and report corruption",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			db, err := engramdb.Open(engramdb.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := db.Verify(context.Background())
			if err != nil {
				return err
			}

			fmt.Printf("Scanned %d nodes, %d edges\n", report.Nodes, report.Edges)
			if len(report.Corrupt) == 0 {
				fmt.Println("No corruption found")
				return nil
			}
			for _, c := range report.Corrupt {
				fmt.Printf("CORRUPT %s: %s\n", c.Key, c.Reason)
			}
			return fmt.Errorf("verify: %d corrupt records", len(report.Corrupt))
		},
	}
	verifyCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.AddCommand(verifyCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Show the store's schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			db, err := engramdb.Open(engramdb.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer db.Close()

			ver, err := db.Schema().Current()
			if err != nil {
				return err
			}
			fmt.Printf("Schema version: %s (current build: %s)\n", ver, schema.CurrentVersion)
			return nil
		},
	}
	migrateCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	return cfg, nil
}
