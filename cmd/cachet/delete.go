// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a document from every tier",
		Long:  "Remove a document from cache, storage, and the similarity index. With --secure, blob bytes are overwritten before unlinking.",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}

	clientFlags(cmd)
	cmd.Flags().Bool("secure", false, "overwrite blob bytes before unlinking")

	return cmd
}

func runDelete(cmd *cobra.Command, args []string) error {
	path := "/api/v1/documents/" + url.PathEscape(args[0])
	if secure, _ := cmd.Flags().GetBool("secure"); secure {
		path += "?secure=true"
	}

	var report struct {
		ID     string `json:"id"`
		Secure bool   `json:"secure"`
		Cache  struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		} `json:"cache"`
		Storage struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		} `json:"storage"`
		Index struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		} `json:"index"`
		Partition struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		} `json:"partition"`
	}
	if err := clientFromCmd(cmd).deleteJSON(path, &report); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	mode := "deleted"
	if report.Secure {
		mode = "securely deleted"
	}
	_, _ = fmt.Fprintf(out, "Document %s %s\n", report.ID, mode)
	for _, step := range []struct {
		name string
		ok   bool
		err  string
	}{
		{"cache", report.Cache.OK, report.Cache.Error},
		{"storage", report.Storage.OK, report.Storage.Error},
		{"index", report.Index.OK, report.Index.Error},
		{"partition", report.Partition.OK, report.Partition.Error},
	} {
		if !step.ok {
			_, _ = fmt.Fprintf(out, "  %s: FAILED (%s)\n", step.name, step.err)
		}
	}
	return nil
}
