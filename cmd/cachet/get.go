// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Read a document",
		Long:  "Fetch a decrypted document from the running store and print its content to stdout.",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}

	clientFlags(cmd)
	cmd.Flags().Bool("show-source", false, "print which layer served the read")

	return cmd
}

func runGet(cmd *cobra.Command, args []string) error {
	var result struct {
		ID       string            `json:"id"`
		Content  string            `json:"content"`
		Metadata map[string]string `json:"metadata"`
		Source   string            `json:"source"`
		Redacted bool              `json:"redacted"`
	}
	path := "/api/v1/documents/" + url.PathEscape(args[0])
	if err := clientFromCmd(cmd).getJSON(path, &result); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if showSource, _ := cmd.Flags().GetBool("show-source"); showSource {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "source: %s redacted: %t\n", result.Source, result.Redacted)
	}
	_, _ = fmt.Fprint(out, result.Content)
	return nil
}
