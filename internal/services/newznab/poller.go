// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package newznab

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultPollInterval = 5 * time.Minute

// Poller periodically refreshes the recent cache of every enabled provider.
// The caches gate themselves, so the tick can be shorter than the minimum
// poll interval.
type Poller struct {
	service  *Service
	interval time.Duration
}

func NewPoller(service *Service, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{service: service, interval: interval}
}

// Start runs a first poll immediately and then one per interval until ctx
// is cancelled.
func (p *Poller) Start(ctx context.Context) {
	if p == nil || p.service == nil {
		return
	}
	go func() {
		p.RunOnce(ctx)
		p.loop(ctx)
	}()
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce refreshes all caches and logs faults.
func (p *Poller) RunOnce(ctx context.Context) {
	for id, err := range p.service.RefreshAll(ctx) {
		log.Error().
			Err(err).
			Str("provider", id).
			Msg("[NEWZNAB] Recent cache refresh failed")
	}
}
