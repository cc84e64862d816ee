// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package newznab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFetcher returns canned responses and records every requested URL.
type stubFetcher struct {
	mu    sync.Mutex
	urls  []string
	body  []byte
	err   error
	delay time.Duration
}

func (f *stubFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	f.mu.Lock()
	f.urls = append(f.urls, rawURL)
	body, err, delay := f.body, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return body, err
}

func (f *stubFetcher) set(body string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = []byte(body)
	f.err = err
}

func (f *stubFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

func (f *stubFetcher) lastURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.urls) == 0 {
		return ""
	}
	return f.urls[len(f.urls)-1]
}

func newTestProvider(fetcher Fetcher, opts Options) *Provider {
	opts.Fetcher = fetcher
	if opts.RetentionDays == 0 {
		opts.RetentionDays = 500
	}
	return NewProvider(ProviderConfig{
		Name:            "idx",
		URL:             "http://idx.example/",
		APIKey:          "abc",
		Enabled:         true,
		SupportsBacklog: true,
	}, opts)
}

func TestProvider_SearchRequestURL(t *testing.T) {
	fetcher := &stubFetcher{}
	fetcher.set(sampleFeed, nil)
	provider := newTestProvider(fetcher, Options{RetentionDays: 700})

	_, err := provider.SearchGeneral(context.Background(), "show name")
	require.NoError(t, err)

	assert.Equal(t, "http://idx.example/api?t=tvsearch&maxage=700&limit=100&cat=5030,5040&q=show+name&apikey=abc", fetcher.lastURL())
}

func TestProvider_SearchWithoutAPIKey(t *testing.T) {
	fetcher := &stubFetcher{}
	fetcher.set(sampleFeed, nil)
	provider := NewProvider(ProviderConfig{Name: "open", URL: "http://open.example", Enabled: true}, Options{Fetcher: fetcher})

	_, err := provider.SearchEpisode(context.Background(), &Show{TVRageID: 7}, "2", 3)
	require.NoError(t, err)

	assert.Equal(t, "http://open.example/api?t=tvsearch&maxage=500&limit=100&cat=5030,5040&rid=7&season=2&ep=3", fetcher.lastURL())
}

func TestProvider_Search(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		fetchErr   error
		wantTitles []string
		wantFault  error
	}{
		{
			name:       "valid feed",
			body:       sampleFeed,
			wantTitles: []string{"Show.S01E01.720p.HDTV.x264-GRP", "Show.S01E02.HDTV.XviD-GRP"},
		},
		{
			name:     "transport failure",
			fetchErr: errors.New("connection refused"),
		},
		{
			name: "no data",
			body: "",
		},
		{
			name: "malformed xml",
			body: `<rss><channel><item>`,
		},
		{
			name: "non rss root",
			body: `<html><body>502</body></html>`,
		},
		{
			name: "unknown error code",
			body: `<error code="200" description="Missing parameter"/>`,
		},
		{
			name:      "invalid api key",
			body:      `<error code="100" description="Incorrect user credentials"/>`,
			wantFault: ErrInvalidAPIKey,
		},
		{
			name:      "account suspended",
			body:      `<error code="101" description="Account suspended"/>`,
			wantFault: ErrAccountSuspended,
		},
		{
			name:      "not api authorized",
			body:      `<error code="102" description="Insufficient privileges"/>`,
			wantFault: ErrAccountNotAPIAuthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &stubFetcher{}
			fetcher.set(tt.body, tt.fetchErr)
			provider := newTestProvider(fetcher, Options{})

			results, err := provider.SearchGeneral(context.Background(), "show")
			if tt.wantFault != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantFault)
				assert.Empty(t, results)
				return
			}

			require.NoError(t, err)
			titles := make([]string, 0, len(results))
			for _, r := range results {
				assert.NotEmpty(t, r.Link)
				titles = append(titles, r.Title)
			}
			assert.Equal(t, len(tt.wantTitles), len(titles))
			if len(tt.wantTitles) > 0 {
				assert.Equal(t, tt.wantTitles, titles)
			}
		})
	}
}

func TestProvider_SearchIgnoresEnabledFlag(t *testing.T) {
	fetcher := &stubFetcher{}
	fetcher.set(sampleFeed, nil)
	provider := NewProvider(ProviderConfig{Name: "off", URL: "http://off.example/"}, Options{Fetcher: fetcher})

	results, err := provider.SearchGeneral(context.Background(), "show")
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 1, fetcher.calls())

	svc, err := NewService([]ProviderConfig{{Name: "off", URL: "http://off.example/"}}, ServiceOptions{Fetcher: fetcher})
	require.NoError(t, err)
	resp, err := svc.SearchGeneral(context.Background(), "show")
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 1, fetcher.calls(), "service skips disabled providers")
}

func TestProvider_FindEpisode(t *testing.T) {
	episode := Episode{Show: &Show{Name: "Show", TVRageID: 5}, Season: "1", Episode: 1}
	upstream := []EpisodeResult{{Title: "from generic", URL: "http://generic/1"}}

	tests := []struct {
		name        string
		generic     []EpisodeResult
		manual      bool
		wanter      EpisodeWanter
		wantTitles  []string
		wantFetches int
	}{
		{
			name:        "generic results returned as-is",
			generic:     upstream,
			manual:      true,
			wantTitles:  []string{"from generic"},
			wantFetches: 0,
		},
		{
			name:        "automatic search never reaches indexer",
			manual:      false,
			wantTitles:  []string{},
			wantFetches: 0,
		},
		{
			name:        "manual search falls back to indexer",
			manual:      true,
			wantTitles:  []string{"Show.S01E01.720p.HDTV.x264-GRP", "Show.S01E02.HDTV.XviD-GRP"},
			wantFetches: 1,
		},
		{
			name:   "unwanted quality dropped",
			manual: true,
			wanter: EpisodeWanterFunc(func(_ *Show, _ string, _ int, q Quality, _ bool) bool {
				return q == QualityHDTV
			}),
			wantTitles:  []string{"Show.S01E01.720p.HDTV.x264-GRP"},
			wantFetches: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &stubFetcher{}
			fetcher.set(sampleFeed, nil)

			generic := GenericSearcherFunc(func(context.Context, *Provider, Episode, bool) ([]EpisodeResult, error) {
				return tt.generic, nil
			})
			provider := newTestProvider(fetcher, Options{Generic: generic, Wanter: tt.wanter})

			results, err := provider.FindEpisode(context.Background(), episode, tt.manual)
			require.NoError(t, err)

			titles := make([]string, 0, len(results))
			for _, r := range results {
				titles = append(titles, r.Title)
			}
			assert.Equal(t, tt.wantTitles, titles)
			assert.Equal(t, tt.wantFetches, fetcher.calls())
		})
	}
}

func TestProvider_FindEpisodeWrapsResults(t *testing.T) {
	fetcher := &stubFetcher{}
	fetcher.set(sampleFeed, nil)
	provider := newTestProvider(fetcher, Options{})

	episode := Episode{Show: &Show{Name: "Show", TVRageID: 5}, Season: "1", Episode: 1}
	results, err := provider.FindEpisode(context.Background(), episode, true)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	first := results[0]
	assert.Equal(t, episode, first.Episode)
	assert.Equal(t, QualityHDTV, first.Quality)
	assert.Equal(t, "http://idx.example/getnzb/1.nzb&i=1&r=abc", first.URL)
	assert.Equal(t, "idx", first.Provider)
	assert.Contains(t, fetcher.lastURL(), "rid=5&season=1&ep=1")
}

func TestProvider_FindEpisodePropagatesFault(t *testing.T) {
	fetcher := &stubFetcher{}
	fetcher.set(`<error code="100" description="bad"/>`, nil)
	provider := newTestProvider(fetcher, Options{})

	_, err := provider.FindEpisode(context.Background(), Episode{Show: &Show{TVRageID: 1}, Season: "1"}, true)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestProvider_FindPropersDisabled(t *testing.T) {
	fetcher := &stubFetcher{}
	fetcher.set(sampleFeed, nil)
	provider := newTestProvider(fetcher, Options{})

	results, err := provider.FindPropers(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, fetcher.calls())
}

func TestProviderConfig_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		line string
		want ProviderConfig
	}{
		{
			name: "enabled with key",
			line: "NZBs.org|https://nzbs.org/|secret|1",
			want: ProviderConfig{Name: "NZBs.org", URL: "https://nzbs.org/", APIKey: "secret", Enabled: true, SupportsBacklog: true},
		},
		{
			name: "disabled without key",
			line: "Open Indexer|http://open.example/||0",
			want: ProviderConfig{Name: "Open Indexer", URL: "http://open.example/", SupportsBacklog: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProviderConfig(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.line, got.ConfigString())
		})
	}
}

func TestParseProviderConfig_Invalid(t *testing.T) {
	for _, line := range []string{
		"",
		"name|url|key",
		"name|url|key|1|extra",
		"|http://x/|key|1",
		"name||key|1",
		"name|http://x/|key|yes",
	} {
		t.Run(line, func(t *testing.T) {
			_, err := ParseProviderConfig(line)
			assert.Error(t, err)
		})
	}
}

func TestProviderConfig_ID(t *testing.T) {
	assert.Equal(t, "nzbs_org", ProviderConfig{Name: "NZBs.org"}.ID())
	assert.Equal(t, "my_indexer", ProviderConfig{Name: " My Indexer "}.ID())
}

func TestHTTPFetcher(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		switch r.URL.Path {
		case "/api":
			w.Header().Set("Content-Type", "application/rss+xml")
			_, _ = w.Write([]byte(sampleFeed))
		case "/limited":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	fetcher := NewHTTPFetcher(5 * time.Second)

	data, err := fetcher.Fetch(context.Background(), server.URL+"/api?t=tvsearch&apikey=abc")
	require.NoError(t, err)
	assert.Equal(t, sampleFeed, string(data))
	assert.True(t, strings.HasPrefix(gotUA, "nzbwatch/"))

	_, err = fetcher.Fetch(context.Background(), server.URL+"/limited?apikey=abc")
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.True(t, statusErr.IsRateLimited())
	assert.NotContains(t, statusErr.URL, "abc")

	_, err = fetcher.Fetch(context.Background(), "")
	assert.Error(t, err)
}

func TestHTTPFetcher_Retries(t *testing.T) {
	var (
		mu   sync.Mutex
		hits = map[string]int{}
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		n := hits[r.URL.Path]
		mu.Unlock()

		switch r.URL.Path {
		case "/flaky":
			if n < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(sampleFeed))
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
		case "/limited":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	fetcher := NewHTTPFetcher(5 * time.Second)
	fetcher.retryDelay = time.Millisecond

	data, err := fetcher.Fetch(context.Background(), server.URL+"/flaky")
	require.NoError(t, err)
	assert.Equal(t, sampleFeed, string(data))

	_, err = fetcher.Fetch(context.Background(), server.URL+"/down")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	_, err = fetcher.Fetch(context.Background(), server.URL+"/limited")
	require.Error(t, err)
	_, err = fetcher.Fetch(context.Background(), server.URL+"/missing")
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, hits["/flaky"])
	assert.Equal(t, 3, hits["/down"])
	assert.Equal(t, 1, hits["/limited"], "rate limiting is not retried")
	assert.Equal(t, 1, hits["/missing"])
}

func TestIsRetryableFetchError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "server_error", err: &StatusError{StatusCode: http.StatusInternalServerError}, want: true},
		{name: "not_found", err: &StatusError{StatusCode: http.StatusNotFound}, want: false},
		{name: "rate_limited", err: &StatusError{StatusCode: http.StatusTooManyRequests}, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "too_large", err: errResponseTooLarge, want: false},
		{name: "connection_refused", err: errors.New("dial tcp: connection refused"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableFetchError(tt.err))
		})
	}
}

func TestHTTPFetcher_ProviderEndToEnd(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer server.Close()

	provider := NewProvider(ProviderConfig{Name: "live", URL: server.URL, APIKey: "abc", Enabled: true}, Options{
		RetentionDays: 100,
		Fetcher:       NewHTTPFetcher(5 * time.Second),
	})

	results, err := provider.SearchGeneral(context.Background(), "show name")
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, "t=tvsearch&maxage=100&limit=100&cat=5030,5040&q=show+name&apikey=abc", gotQuery)
}

func TestRedactAPIKey(t *testing.T) {
	assert.Equal(t, "http://x/api?t=tvsearch&apikey=REDACTED", redactAPIKey("http://x/api?t=tvsearch&apikey=abc"))
	assert.Equal(t, "http://x/api?apikey=REDACTED&t=1", redactAPIKey("http://x/api?apikey=abc&t=1"))
	assert.Equal(t, "http://x/api?t=1", redactAPIKey("http://x/api?t=1"))
}
