// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
	"github.com/spf13/cobra"
)

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <id> [file]",
		Short: "Store a document",
		Long:  "Store a document in the running store. Content is read from the given file, or from stdin when no file is named.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runPut,
	}

	clientFlags(cmd)
	cmd.Flags().String("domain", "default", "partitioning domain tag")
	cmd.Flags().StringSlice("meta", nil, "metadata entry as key=value (repeatable)")

	return cmd
}

func runPut(cmd *cobra.Command, args []string) error {
	content, err := readPutContent(cmd, args)
	if err != nil {
		return err
	}

	domain, _ := cmd.Flags().GetString("domain")
	metaPairs, _ := cmd.Flags().GetStringSlice("meta")
	metadata, err := parseMetadata(metaPairs)
	if err != nil {
		return err
	}

	body := map[string]any{
		"id":         args[0],
		"content":    content,
		"domain_tag": domain,
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}

	var result struct {
		ID        string `json:"id"`
		Partition string `json:"partition"`
		Chunks    int    `json:"chunks"`
		Findings  int    `json:"findings"`
		Redacted  bool   `json:"redacted"`
	}
	if err := clientFromCmd(cmd).postJSON("/api/v1/documents", body, &result); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Stored %s in partition %s (%d chunks)\n", result.ID, result.Partition, result.Chunks)
	if result.Findings > 0 {
		verb := "flagged"
		if result.Redacted {
			verb = "redacted"
		}
		_, _ = fmt.Fprintf(out, "Sensitive data: %d findings %s\n", result.Findings, verb)
	}
	return nil
}

func readPutContent(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 2 {
		raw, err := os.ReadFile(args[1])
		if err != nil {
			return "", cacheterr.Errorf(cacheterr.CodeCLIInputInvalid, "reading %s: %w", args[1], err)
		}
		return string(raw), nil
	}

	raw, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", cacheterr.Errorf(cacheterr.CodeCLIInputInvalid, "reading stdin: %w", err)
	}
	return string(raw), nil
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, cacheterr.Errorf(cacheterr.CodeCLIInputInvalid, "metadata entry %q is not key=value", pair)
		}
		meta[key] = value
	}
	return meta, nil
}
