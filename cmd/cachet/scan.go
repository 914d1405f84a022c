// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

// scanPollInterval is how often --wait polls the scans endpoint.
// A variable so tests can tighten it.
var scanPollInterval = time.Second

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the store for sensitive data",
		Long:  "Start a background scan of every stored document for sensitive data, and optionally wait for it to finish.",
		RunE:  runScan,
	}

	clientFlags(cmd)
	cmd.Flags().Bool("wait", false, "poll until the scan completes")

	return cmd
}

func runScan(cmd *cobra.Command, _ []string) error {
	client := clientFromCmd(cmd)
	out := cmd.OutOrStdout()

	var started struct {
		JobID string `json:"job_id"`
	}
	if err := client.postJSON("/api/v1/scans", nil, &started); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Scan started: %s\n", started.JobID)

	if wait, _ := cmd.Flags().GetBool("wait"); !wait {
		return nil
	}

	path := "/api/v1/scans/" + url.PathEscape(started.JobID)
	for {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(scanPollInterval):
		}

		var status struct {
			Scanned   int64  `json:"scanned"`
			Total     int64  `json:"total"`
			Findings  int64  `json:"findings"`
			Done      bool   `json:"done"`
			Error     string `json:"error"`
			Documents []struct {
				DocID    string   `json:"doc_id"`
				Findings int      `json:"findings"`
				Rules    []string `json:"rules"`
			} `json:"documents"`
		}
		if err := client.getJSON(path, &status); err != nil {
			return err
		}
		if !status.Done {
			_, _ = fmt.Fprintf(out, "  scanned %d/%d\n", status.Scanned, status.Total)
			continue
		}

		if status.Error != "" {
			return fmt.Errorf("scan failed: %s", status.Error)
		}
		_, _ = fmt.Fprintf(out, "Scan complete: %d documents, %d findings\n", status.Scanned, status.Findings)
		for _, doc := range status.Documents {
			_, _ = fmt.Fprintf(out, "  %s: %d findings %v\n", doc.DocID, doc.Findings, doc.Rules)
		}
		return nil
	}
}
