// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store status",
		Long:  "Check the running store's health endpoint and display a summary.",
		RunE:  runStatus,
	}

	clientFlags(cmd)
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	client := clientFromCmd(cmd)
	out := cmd.OutOrStdout()

	var report struct {
		Status        string           `json:"status"`
		TierBytes     map[string]int64 `json:"tier_bytes"`
		Documents     int64            `json:"documents"`
		Partitions    int              `json:"partitions"`
		CacheHitRate  float64          `json:"cache_hit_rate"`
		AuditChainOK  bool             `json:"audit_chain_ok"`
		IndexDegraded bool             `json:"index_degraded"`
	}
	if err := client.getJSON("/api/v1/health", &report); err != nil {
		if errors.Is(err, ErrStoreNotRunning) {
			_, _ = fmt.Fprintf(out, "Store at %s is not running (connection refused)\n", client.baseURL)
			return nil
		}
		_, _ = fmt.Fprintf(out, "Store at %s: %s\n", client.baseURL, err)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Status:      %s\n", report.Status)
	_, _ = fmt.Fprintf(out, "Documents:   %d in %d partitions\n", report.Documents, report.Partitions)
	for _, tier := range []string{"hot", "warm", "cold"} {
		_, _ = fmt.Fprintf(out, "Tier %-6s %d bytes\n", tier+":", report.TierBytes[tier])
	}
	_, _ = fmt.Fprintf(out, "Cache:       %.1f%% hit rate\n", report.CacheHitRate*100)
	_, _ = fmt.Fprintf(out, "Audit chain: %s\n", okString(report.AuditChainOK))
	if report.IndexDegraded {
		_, _ = fmt.Fprintln(out, "Index:       DEGRADED")
	}
	return nil
}

func okString(ok bool) string {
	if ok {
		return "intact"
	}
	return "BROKEN"
}
