// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ErrStoreNotRunning indicates the store refused the connection.
var ErrStoreNotRunning = errors.New("store is not running (connection refused)")

// defaultHTTPClient is the package-level HTTP client used by store
// commands. Overridden in tests via httptest.
var defaultHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}

// storeClient provides HTTP access to a running cachet store.
type storeClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newStoreClient creates a client targeting the given host:port address.
func newStoreClient(addr, token string) *storeClient {
	return &storeClient{
		baseURL: "http://" + addr,
		token:   token,
		http:    defaultHTTPClient,
	}
}

// clientFlags registers the shared --address and --token flags on a
// store-facing command.
func clientFlags(cmd *cobra.Command) {
	cmd.Flags().String("address", "", "store address to contact (defaults to the configured listen address)")
	cmd.Flags().String("token", "", "bearer token (defaults to $CACHET_TOKEN)")
}

// clientFromCmd builds a storeClient from flags, config, and env.
func clientFromCmd(cmd *cobra.Command) *storeClient {
	addr, _ := cmd.Flags().GetString("address")
	if addr == "" {
		addr = viper.GetString("listen")
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = viper.GetString("token")
	}
	return newStoreClient(addr, token)
}

// getJSON performs a GET request and decodes the JSON response into dest.
func (c *storeClient) getJSON(path string, dest any) error {
	return c.doJSON(http.MethodGet, path, nil, dest)
}

// postJSON performs a POST with a JSON body and decodes the response.
func (c *storeClient) postJSON(path string, body, dest any) error {
	return c.doJSON(http.MethodPost, path, body, dest)
}

// deleteJSON performs a DELETE and decodes the response.
func (c *storeClient) deleteJSON(path string, dest any) error {
	return c.doJSON(http.MethodDelete, path, nil, dest)
}

// doJSON runs one request. Returns ErrStoreNotRunning on connection
// refused so commands can print a friendly message.
func (c *storeClient) doJSON(method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isDialError(err) {
			return ErrStoreNotRunning
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("store returned status %d: %s", resp.StatusCode, string(raw))
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}

// isDialError returns true if err is a net dial error (connection refused, etc.).
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
