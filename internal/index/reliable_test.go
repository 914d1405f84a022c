// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package index_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachet-dev/cachet/internal/index"
	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// flakyIndex fails the first failures calls of each operation, then
// succeeds.
type flakyIndex struct {
	mu       sync.Mutex
	failures int
	calls    int
	results  []index.Candidate
}

func (f *flakyIndex) step() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("backend down")
	}
	return nil
}

func (f *flakyIndex) Upsert(context.Context, string, []float32, map[string]any) error {
	return f.step()
}

func (f *flakyIndex) Query(context.Context, []float32, int) ([]index.Candidate, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return f.results, nil
}

func (f *flakyIndex) Delete(context.Context, []string) error { return f.step() }
func (f *flakyIndex) Clear(context.Context) error            { return f.step() }
func (f *flakyIndex) Close() error                           { return nil }

func fastConfig() index.ReliableConfig {
	return index.ReliableConfig{
		CallTimeout: time.Second,
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		Cooldown:    time.Minute,
	}
}

func TestReliableIndexRetriesThenSucceeds(t *testing.T) {
	backend := &flakyIndex{failures: 2, results: []index.Candidate{{ID: "chunk/a/0", Score: 0.1}}}
	r := index.NewReliableIndex(backend, fastConfig(), nil)

	got, err := r.Query(context.Background(), []float32{1, 2}, 5)
	require.NoError(t, err)
	assert.Equal(t, backend.results, got)
	assert.Equal(t, 3, backend.calls)
	assert.False(t, r.Degraded())
}

func TestReliableIndexExhaustsRetries(t *testing.T) {
	backend := &flakyIndex{failures: 100}
	r := index.NewReliableIndex(backend, fastConfig(), nil)

	err := r.Upsert(context.Background(), "chunk/a/0", []float32{1}, nil)
	require.Error(t, err)
	assert.True(t, cacheterr.HasCode(err, cacheterr.CodeIndexUnavailable))
	assert.Equal(t, 3, backend.calls)
	assert.True(t, r.Degraded(), "three consecutive failures should degrade the index")
}

func TestReliableIndexRecoversAfterSuccess(t *testing.T) {
	backend := &flakyIndex{failures: 3}
	r := index.NewReliableIndex(backend, fastConfig(), nil)

	require.Error(t, r.Delete(context.Background(), []string{"chunk/a/0"}))
	assert.True(t, r.Degraded())

	require.NoError(t, r.Delete(context.Background(), []string{"chunk/a/0"}))
	assert.False(t, r.Degraded())
}

func TestReliableIndexHonorsCanceledContext(t *testing.T) {
	backend := &flakyIndex{failures: 100}
	r := index.NewReliableIndex(backend, fastConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Clear(ctx)
	require.Error(t, err)
	// At most one attempt once the caller's context is gone.
	assert.LessOrEqual(t, backend.calls, 1)
}
