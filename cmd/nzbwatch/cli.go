// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/nzbwatch/internal/buildinfo"
	"github.com/autobrr/nzbwatch/internal/config"
	"github.com/autobrr/nzbwatch/internal/database"
	"github.com/autobrr/nzbwatch/internal/models"
	"github.com/autobrr/nzbwatch/internal/services/newznab"
)

const (
	formatText  = "text"
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatLines = "lines"
)

func RunSearchCommand() *cobra.Command {
	var (
		configDir string
		format    string
		rid       int
		season    string
		episode   int
		airByDate bool
	)

	command := &cobra.Command{
		Use:   "search [query]",
		Short: "Search every enabled provider",
		Long: `Search every enabled provider once and print the combined results.

Without --rid the arguments are sent as a free text query. With --rid a
season or episode search is made instead:
  nzbwatch search --rid 2930 --season 3 --ep 7
  nzbwatch search --rid 19614 --air-by-date --season 2010-03 --ep 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir, buildinfo.Version)
			if err != nil {
				return errors.Wrap(err, "failed to initialize configuration")
			}
			cfg.ApplyLogConfig()

			service, err := newService(cfg, nil, nil)
			if err != nil {
				return errors.Wrap(err, "failed to initialize providers")
			}

			var resp *newznab.SearchResponse
			if rid > 0 {
				show := &newznab.Show{TVRageID: rid, AirByDate: airByDate}
				resp, err = service.SearchEpisode(cmd.Context(), show, season, episode)
			} else {
				text := strings.TrimSpace(strings.Join(args, " "))
				if text == "" {
					return errors.New("a query or --rid is required")
				}
				resp, err = service.SearchGeneral(cmd.Context(), text)
			}
			if err != nil {
				return errors.Wrap(err, "search failed")
			}

			for _, fault := range resp.Faults {
				cmd.PrintErrf("%s: %s\n", fault.Provider, fault.Message)
			}

			return writeResults(cmd.OutOrStdout(), format, resp.Results, resp)
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&format, "format", formatText, "output format: text, json or yaml")
	command.Flags().IntVar(&rid, "rid", 0, "TVRage id of the show")
	command.Flags().StringVar(&season, "season", "", "season number, or YYYY-MM for air-by-date shows")
	command.Flags().IntVar(&episode, "ep", 0, "episode number, or day of month for air-by-date shows")
	command.Flags().BoolVar(&airByDate, "air-by-date", false, "show is indexed by air date")

	return command
}

func RunRecentCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		format    string
		filter    string
		force     bool
	)

	command := &cobra.Command{
		Use:   "recent [provider...]",
		Short: "Poll providers for recent items and print the cache",
		Long: `Poll providers for recent items and print what is cached.

Providers polled less than minPollMinutes ago are not contacted again unless
--force is given. The cache is persisted in the data directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir, buildinfo.Version)
			if err != nil {
				return errors.Wrap(err, "failed to initialize configuration")
			}
			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}
			cfg.ApplyLogConfig()

			ctx := cmd.Context()

			db, err := database.Open(ctx, cfg.GetDataDir())
			if err != nil {
				return errors.Wrap(err, "failed to initialize database")
			}
			defer db.Close()

			service, err := newService(cfg, models.NewNewznabCacheStore(db), nil)
			if err != nil {
				return errors.Wrap(err, "failed to initialize providers")
			}
			if err := service.LoadCaches(ctx); err != nil {
				return errors.Wrap(err, "failed to load recent caches")
			}

			caches, err := selectCaches(service, args)
			if err != nil {
				return err
			}

			var items []newznab.Result
			for _, cache := range caches {
				if err := refreshCache(ctx, cache, force); err != nil {
					cmd.PrintErrf("%s: %s\n", cache.Provider().Name(), err)
				}

				state := cache.State()
				if format == formatText {
					cmd.Printf("%s: %d items, last update %s\n", cache.Provider().Name(), len(state.Items), formatLastUpdate(state.LastUpdate))
				}
				items = append(items, state.Items...)
			}

			items = newznab.MatchResults(items, filter)
			return writeResults(cmd.OutOrStdout(), format, items, items)
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory path (defaults to next to config file)")
	command.Flags().StringVar(&format, "format", formatText, "output format: text, json or yaml")
	command.Flags().BoolVar(&force, "force", false, "ignore the minimum poll interval")
	command.Flags().StringVar(&filter, "filter", "", "only print items whose title fuzzily matches")

	return command
}

func selectCaches(service *newznab.Service, ids []string) ([]*newznab.RecentCache, error) {
	if len(ids) == 0 {
		var caches []*newznab.RecentCache
		for _, cache := range service.Caches() {
			if cache.Provider().Enabled() {
				caches = append(caches, cache)
			}
		}
		return caches, nil
	}

	caches := make([]*newznab.RecentCache, 0, len(ids))
	for _, id := range ids {
		cache, ok := service.Cache(newznab.ProviderConfig{Name: id}.ID())
		if !ok {
			return nil, errors.Errorf("unknown provider %q", id)
		}
		caches = append(caches, cache)
	}
	return caches, nil
}

func refreshCache(ctx context.Context, cache *newznab.RecentCache, force bool) error {
	if force {
		return cache.ForceRefresh(ctx)
	}
	return cache.Refresh(ctx)
}

func formatLastUpdate(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func RunProvidersCommand() *cobra.Command {
	var configDir, dataDir string

	command := &cobra.Command{
		Use:   "providers",
		Short: "Manage configured newznab providers",
	}
	command.PersistentFlags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	command.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory path (defaults to next to config file)")

	var format string
	list := &cobra.Command{
		Use:   "list",
		Short: "List configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir, buildinfo.Version)
			if err != nil {
				return errors.Wrap(err, "failed to initialize configuration")
			}
			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}
			providers, err := cfg.ProviderConfigs()
			if err != nil {
				return err
			}

			var summaries map[string]models.NewznabCacheSummary
			if format == formatText {
				summaries, err = cachedSummaries(cmd.Context(), cfg)
				if err != nil {
					return err
				}
			}
			return writeProviders(cmd.OutOrStdout(), format, providers, summaries)
		},
	}
	list.Flags().StringVar(&format, "format", formatText, "output format: text, lines or yaml")

	add := &cobra.Command{
		Use:   "add name|url|apikey|enabled",
		Short: "Add or replace a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := newznab.ParseProviderConfig(args[0])
			if err != nil {
				return err
			}
			_, err = updateProviders(configDir, func(providers []newznab.ProviderConfig) ([]newznab.ProviderConfig, error) {
				for i, p := range providers {
					if p.ID() == provider.ID() {
						providers[i] = provider
						return providers, nil
					}
				}
				return append(providers, provider), nil
			})
			return err
		},
	}

	remove := &cobra.Command{
		Use:   "remove name",
		Short: "Remove a provider and its cached recent items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := newznab.ProviderConfig{Name: args[0]}.ID()
			cfg, err := updateProviders(configDir, func(providers []newznab.ProviderConfig) ([]newznab.ProviderConfig, error) {
				for i, p := range providers {
					if p.ID() == id {
						return append(providers[:i], providers[i+1:]...), nil
					}
				}
				return nil, errors.Errorf("unknown provider %q", args[0])
			})
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}
			return forgetCachedState(cmd.Context(), cfg, id)
		},
	}

	var apiKey string
	setKey := &cobra.Command{
		Use:   "set-key name",
		Short: "Set the api key of a provider",
		Long: `Set the api key of a provider. Without --api-key the key is read
from the terminal without echo, or from stdin when it is not a terminal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := apiKey
			if !cmd.Flags().Changed("api-key") {
				var err error
				key, err = readAPIKey(cmd.InOrStdin(), cmd.ErrOrStderr(), "Enter api key: ")
				if err != nil {
					return err
				}
			}
			key, err := validateAPIKey(key)
			if err != nil {
				return err
			}

			id := newznab.ProviderConfig{Name: args[0]}.ID()
			_, err = updateProviders(configDir, func(providers []newznab.ProviderConfig) ([]newznab.ProviderConfig, error) {
				for i, p := range providers {
					if p.ID() == id {
						providers[i].APIKey = key
						return providers, nil
					}
				}
				return nil, errors.Errorf("unknown provider %q", args[0])
			})
			return err
		},
	}
	setKey.Flags().StringVar(&apiKey, "api-key", "", "api key, an empty value clears it")

	command.AddCommand(list, add, remove, setKey)
	return command
}

func updateProviders(configDir string, fn func([]newznab.ProviderConfig) ([]newznab.ProviderConfig, error)) (*config.AppConfig, error) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize configuration")
	}
	providers, err := cfg.ProviderConfigs()
	if err != nil {
		return nil, err
	}
	providers, err = fn(providers)
	if err != nil {
		return nil, err
	}
	if err := cfg.SaveProviders(providers); err != nil {
		return nil, errors.Wrap(err, "failed to save providers")
	}
	return cfg, nil
}

// cachedSummaries returns the persisted recent caches keyed by provider id.
func cachedSummaries(ctx context.Context, cfg *config.AppConfig) (map[string]models.NewznabCacheSummary, error) {
	db, err := database.Open(ctx, cfg.GetDataDir())
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize database")
	}
	defer db.Close()

	list, err := models.NewNewznabCacheStore(db).List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent caches")
	}

	summaries := make(map[string]models.NewznabCacheSummary, len(list))
	for _, summary := range list {
		summaries[summary.Provider] = summary
	}
	return summaries, nil
}

func forgetCachedState(ctx context.Context, cfg *config.AppConfig, id string) error {
	db, err := database.Open(ctx, cfg.GetDataDir())
	if err != nil {
		return errors.Wrap(err, "failed to initialize database")
	}
	defer db.Close()

	return errors.Wrap(models.NewNewznabCacheStore(db).Delete(ctx, id), "failed to delete cached recent items")
}

func readAPIKey(in io.Reader, out io.Writer, prompt string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(out, prompt)
		key, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", errors.Wrap(err, "failed to read api key")
		}
		return string(key), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", errors.Wrap(err, "failed to read api key from stdin")
	}
	return line, nil
}

// validateAPIKey trims key and rejects characters that would break the
// provider config line.
func validateAPIKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if strings.ContainsAny(key, "|;\n") {
		return "", errors.New("api key cannot contain '|', ';' or newlines")
	}
	return key, nil
}

type providerView struct {
	Name            string `yaml:"name"`
	URL             string `yaml:"url"`
	Enabled         bool   `yaml:"enabled"`
	SupportsBacklog bool   `yaml:"supportsBacklog"`
	HasAPIKey       bool   `yaml:"hasApiKey"`
}

func writeProviders(w io.Writer, format string, providers []newznab.ProviderConfig, summaries map[string]models.NewznabCacheSummary) error {
	switch format {
	case formatLines:
		for _, p := range providers {
			fmt.Fprintln(w, p.ConfigString())
		}
		return nil
	case formatYAML:
		views := make([]providerView, 0, len(providers))
		for _, p := range providers {
			views = append(views, providerView{
				Name:            p.Name,
				URL:             p.URL,
				Enabled:         p.Enabled,
				SupportsBacklog: p.SupportsBacklog,
				HasAPIKey:       p.APIKey != "",
			})
		}
		return yaml.NewEncoder(w).Encode(views)
	case formatText:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tURL\tENABLED\tCACHED\tLAST UPDATE")
		for _, p := range providers {
			summary := summaries[p.ID()]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\n", p.ID(), p.Name, p.URL, p.Enabled, summary.ItemCount, formatLastUpdate(summary.LastUpdate))
		}
		return tw.Flush()
	default:
		return errors.Errorf("unknown format %q", format)
	}
}

// writeResults prints results as a table, or encodes payload for json/yaml.
func writeResults(w io.Writer, format string, results []newznab.Result, payload any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	case formatYAML:
		return yaml.NewEncoder(w).Encode(payload)
	case formatText:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PROVIDER\tTITLE\tSIZE\tAGE\tQUALITY")
		for _, r := range results {
			age := "-"
			if !r.PublishDate.IsZero() {
				age = humanize.Time(r.PublishDate)
			}
			size := "-"
			if r.Size > 0 {
				size = humanize.Bytes(uint64(r.Size))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Provider, r.Title, size, age, newznab.ParseQuality(r.Title))
		}
		return tw.Flush()
	default:
		return errors.Errorf("unknown format %q", format)
	}
}
