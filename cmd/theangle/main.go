package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "theangle",
		Short:         "Aggregate, rank and summarize conversations by topic",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(ingestCmd())
	root.AddCommand(digestsCmd())
	root.AddCommand(itemsCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

func ingestCmd() *cobra.Command {
	var topics []string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch, rank and summarize the given topics once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), append(topics, args...))
		},
	}

	cmd.Flags().StringSliceVar(&topics, "topic", nil, "topics to ingest (repeatable or comma-separated)")
	return cmd
}

func digestsCmd() *cobra.Command {
	var (
		jsonOutput bool
		topic      string
	)

	cmd := &cobra.Command{
		Use:   "digests",
		Short: "Show topic digests and conversation summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDigests(cmd.Context(), topic, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&topic, "topic", "", "show conversation summaries for one topic")
	return cmd
}

func itemsCmd() *cobra.Command {
	var (
		jsonOutput bool
		topic      string
		src        string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "items",
		Short: "List stored items by heat",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runItems(cmd.Context(), topic, src, limit, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&topic, "topic", "", "filter by topic")
	cmd.Flags().StringVar(&src, "source", "", "filter by source (reddit, x)")
	cmd.Flags().IntVar(&limit, "limit", 20, "max items to show")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, false)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start HTTP server with the periodic topic refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, true)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
