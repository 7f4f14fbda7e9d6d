// Package main is the CLI entry point for the agentd serving runtime.
//
// agentd fronts a tool-using LLM agent over HTTP: synchronous and
// streaming chat, background jobs, and a session history API.
//
// Start the server:
//
//	agentd serve --config agentd.yaml
//
// Configuration values may reference environment variables with
// ${VAR} syntax; ANTHROPIC_API_KEY and OPENAI_API_KEY are the common
// ones.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "agentd",
		Short: "Tool-augmented LLM serving runtime",
		Long: `agentd serves a tool-using LLM agent over HTTP.

It drives a bounded agent loop with concurrent tool execution,
microcompaction of tool results, durable sessions, and background
jobs with cancellation and streaming.`,
		SilenceUsage: true,
	}

	root.AddCommand(buildServeCmd(), buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentd %s (%s)\n", version, commit)
		},
	}
}
