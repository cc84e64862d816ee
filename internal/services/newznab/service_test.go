// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package newznab

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routedFetcher answers by matching the request host.
type routedFetcher struct {
	mu     sync.Mutex
	routes map[string]string
	calls  map[string]int
}

func (f *routedFetcher) Fetch(_ context.Context, rawURL string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for host, body := range f.routes {
		if strings.Contains(rawURL, host) {
			f.calls[host]++
			return []byte(body), nil
		}
	}
	return nil, nil
}

func TestService_SearchCollectsFaults(t *testing.T) {
	fetcher := &routedFetcher{
		routes: map[string]string{
			"good.example": sampleFeed,
			"bad.example":  `<error code="100" description="Incorrect user credentials"/>`,
			"down.example": "",
		},
		calls: map[string]int{},
	}

	svc, err := NewService([]ProviderConfig{
		{Name: "Good", URL: "http://good.example/", APIKey: "a", Enabled: true},
		{Name: "Bad", URL: "http://bad.example/", APIKey: "b", Enabled: true},
		{Name: "Down", URL: "http://down.example/", Enabled: true},
		{Name: "Off", URL: "http://off.example/", Enabled: false},
	}, ServiceOptions{RetentionDays: 500, Fetcher: fetcher})
	require.NoError(t, err)

	resp, err := svc.SearchGeneral(context.Background(), "show")
	require.NoError(t, err)

	require.Len(t, resp.Results, 2)
	assert.Equal(t, "Good", resp.Results[0].Provider)

	require.Len(t, resp.Faults, 1)
	assert.Equal(t, "Bad", resp.Faults[0].Provider)
	assert.Equal(t, "invalid_api_key", resp.Faults[0].Kind)
	assert.Equal(t, "100", resp.Faults[0].Code)
	assert.Equal(t, "Your API key for Bad is incorrect, check your config.", resp.Faults[0].Message)

	assert.Zero(t, fetcher.calls["off.example"])
}

func TestService_DuplicateProvider(t *testing.T) {
	_, err := NewService([]ProviderConfig{
		{Name: "Same", URL: "http://a.example/"},
		{Name: "same", URL: "http://b.example/"},
	}, ServiceOptions{})
	assert.Error(t, err)
}

func TestService_ReloadKeepsCacheState(t *testing.T) {
	fetcher := &routedFetcher{routes: map[string]string{"idx.example": sampleFeed}, calls: map[string]int{}}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	svc, err := NewService([]ProviderConfig{
		{Name: "idx", URL: "http://idx.example/", Enabled: true},
	}, ServiceOptions{Fetcher: fetcher, Now: func() time.Time { return now }})
	require.NoError(t, err)

	failed := svc.RefreshAll(context.Background())
	assert.Empty(t, failed)

	require.NoError(t, svc.Reload(context.Background(), []ProviderConfig{
		{Name: "idx", URL: "http://idx.example/", APIKey: "new", Enabled: true},
		{Name: "other", URL: "http://other.example/", Enabled: true},
	}))

	cache, ok := svc.Cache("idx")
	require.True(t, ok)
	assert.Equal(t, now, cache.LastUpdate())
	assert.Len(t, cache.RecentItems(), 2)
	assert.Equal(t, "new", cache.Provider().Config().APIKey)

	_, ok = svc.Provider("other")
	assert.True(t, ok)
	assert.Len(t, svc.Providers(), 2)

	// still gated for idx
	svc.RefreshAll(context.Background())
	assert.Equal(t, 1, fetcher.calls["idx.example"])
}

// gatedFetcher blocks every fetch until release is closed.
type gatedFetcher struct {
	body    []byte
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	count int
}

func (f *gatedFetcher) Fetch(ctx context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}

	select {
	case <-f.release:
		return f.body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *gatedFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func TestService_ReloadDuringRefreshFetchesOnce(t *testing.T) {
	ctx := context.Background()
	fetcher := &gatedFetcher{
		body:    []byte(sampleFeed),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}

	svc, err := NewService([]ProviderConfig{
		{Name: "idx", URL: "http://idx.example/", Enabled: true},
	}, ServiceOptions{Fetcher: fetcher})
	require.NoError(t, err)

	cache, ok := svc.Cache("idx")
	require.True(t, ok)

	first := make(chan error, 1)
	go func() { first <- cache.Refresh(ctx) }()
	<-fetcher.started

	require.NoError(t, svc.Reload(ctx, []ProviderConfig{
		{Name: "idx", URL: "http://idx.example/", APIKey: "new", Enabled: true},
	}))

	reloaded, ok := svc.Cache("idx")
	require.True(t, ok)
	assert.Same(t, cache, reloaded)
	assert.Equal(t, "new", reloaded.Provider().Config().APIKey)

	second := make(chan error, 1)
	go func() { second <- reloaded.Refresh(ctx) }()

	close(fetcher.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	assert.Equal(t, 1, fetcher.calls())
	assert.Len(t, reloaded.RecentItems(), 2)
	assert.False(t, reloaded.LastUpdate().IsZero())
}

func TestService_ReloadLoadsAddedProviders(t *testing.T) {
	ctx := context.Background()
	stored := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newMemoryStore()
	require.NoError(t, store.SaveCacheState(ctx, &CacheState{
		Provider:   "other",
		LastUpdate: stored,
		Items:      []Result{{Title: "Show.S01E01", Link: "http://other.example/1.nzb"}},
	}))

	fetcher := &routedFetcher{routes: map[string]string{}, calls: map[string]int{}}
	svc, err := NewService([]ProviderConfig{
		{Name: "idx", URL: "http://idx.example/", Enabled: true},
	}, ServiceOptions{Fetcher: fetcher, Store: store})
	require.NoError(t, err)

	require.NoError(t, svc.Reload(ctx, []ProviderConfig{
		{Name: "idx", URL: "http://idx.example/", Enabled: true},
		{Name: "other", URL: "http://other.example/", Enabled: true},
	}))

	cache, ok := svc.Cache("other")
	require.True(t, ok)
	assert.Equal(t, stored, cache.LastUpdate())
	require.Len(t, cache.RecentItems(), 1)
	assert.Equal(t, "Show.S01E01", cache.RecentItems()[0].Title)
	assert.Zero(t, fetcher.calls["other.example"])
}

func TestRecentCache_LoadKeepsNewerState(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	fetcher := &stubFetcher{}
	fetcher.set(sampleFeed, nil)

	cache, clock := newTestCache(t, fetcher, store)
	require.NoError(t, cache.Refresh(ctx))

	require.NoError(t, store.SaveCacheState(ctx, &CacheState{
		Provider:   "idx",
		LastUpdate: clock.Now().Add(-time.Hour),
		Items:      []Result{{Title: "old", Link: "http://idx.example/old.nzb"}},
	}))
	require.NoError(t, cache.Load(ctx))

	assert.Equal(t, clock.Now(), cache.LastUpdate())
	assert.Len(t, cache.RecentItems(), 2)
}

func TestService_RefreshAllReportsFaults(t *testing.T) {
	fetcher := &routedFetcher{
		routes: map[string]string{
			"good.example": sampleFeed,
			"bad.example":  `<error code="102" description="no api"/>`,
		},
		calls: map[string]int{},
	}

	svc, err := NewService([]ProviderConfig{
		{Name: "good", URL: "http://good.example/", Enabled: true},
		{Name: "bad", URL: "http://bad.example/", Enabled: true},
	}, ServiceOptions{Fetcher: fetcher})
	require.NoError(t, err)

	failed := svc.RefreshAll(context.Background())
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed["bad"], ErrAccountNotAPIAuthorized)

	poller := NewPoller(svc, time.Minute)
	poller.RunOnce(context.Background())
	assert.Equal(t, 1, fetcher.calls["good.example"])
	assert.Equal(t, 2, fetcher.calls["bad.example"])
}

func TestService_FindEpisode(t *testing.T) {
	fetcher := &routedFetcher{routes: map[string]string{"idx.example": sampleFeed}, calls: map[string]int{}}
	svc, err := NewService([]ProviderConfig{
		{Name: "idx", URL: "http://idx.example/", Enabled: true},
	}, ServiceOptions{Fetcher: fetcher})
	require.NoError(t, err)

	resp, err := svc.FindEpisode(context.Background(), Episode{Show: &Show{TVRageID: 3}, Season: "1", Episode: 2}, true)
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	assert.Empty(t, resp.Faults)
}
