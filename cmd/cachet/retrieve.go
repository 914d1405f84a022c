// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newRetrieveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retrieve <query...>",
		Short: "Retrieve context chunks for a query",
		Long:  "Run a similarity query against the store and print the chunks that fit the token budget.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRetrieve,
	}

	clientFlags(cmd)
	cmd.Flags().Int("budget", 2048, "maximum tokens in the result")

	return cmd
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	budget, _ := cmd.Flags().GetInt("budget")

	body := map[string]any{
		"query":        strings.Join(args, " "),
		"token_budget": budget,
	}

	var result struct {
		Chunks []struct {
			DocID  string  `json:"doc_id"`
			Text   string  `json:"text"`
			Tokens int     `json:"tokens"`
			Score  float64 `json:"score"`
		} `json:"chunks"`
		Excluded []struct {
			Key    string `json:"key"`
			Reason string `json:"reason"`
		} `json:"excluded"`
		Reason     string `json:"reason"`
		Degraded   bool   `json:"degraded"`
		TokensUsed int    `json:"tokens_used"`
	}
	if err := clientFromCmd(cmd).postJSON("/api/v1/retrieve", body, &result); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if result.Degraded {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "warning: similarity index degraded, results may be incomplete")
	}
	if len(result.Chunks) == 0 {
		_, _ = fmt.Fprintf(out, "No chunks returned (%s)\n", result.Reason)
		return nil
	}

	for _, c := range result.Chunks {
		_, _ = fmt.Fprintf(out, "--- %s (score %.4f, %d tokens)\n%s\n", c.DocID, c.Score, c.Tokens, c.Text)
	}
	_, _ = fmt.Fprintf(out, "\n%d chunks, %d/%d tokens used", len(result.Chunks), result.TokensUsed, budget)
	if len(result.Excluded) > 0 {
		_, _ = fmt.Fprintf(out, ", %d excluded", len(result.Excluded))
	}
	_, _ = fmt.Fprintln(out)
	return nil
}
