// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Listener feeds the events of a Source to a Handler in batches. A batch is
// handled once it holds BatchSize events or BatchTimeout after its first
// event, whichever comes first.
type Listener struct {
	cfg     Config
	source  Source
	handler *Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewListener(cfg Config, source Source, handler *Handler) *Listener {
	cfg.Validate()
	return &Listener{cfg: cfg, source: source, handler: handler}
}

// Start runs the source and the batcher until Stop or ctx is done.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)

	in := make(chan UserEvent, l.cfg.BatchSize)
	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		defer close(in)
		if err := l.source.Run(ctx, in); err != nil {
			log.Error().Err(err).Str("source", l.source.Name()).Msg("user event source stopped")
		}
	}()
	go func() {
		defer l.wg.Done()
		l.batch(in)
	}()

	log.Info().
		Str("source", l.source.Name()).
		Int("batch_size", l.cfg.BatchSize).
		Dur("batch_timeout", l.cfg.BatchTimeout).
		Msg("user event listener started")
}

// Stop ends the source, handles the last partial batch and closes the
// source.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
	if err := l.source.Close(); err != nil {
		log.Warn().Err(err).Str("source", l.source.Name()).Msg("closing user event source")
	}
}

// batch runs until in is closed.
func (l *Listener) batch(in <-chan UserEvent) {
	var (
		pending []UserEvent
		timer   *time.Timer
		timeout <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timeout = nil, nil
		}
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.HandleTimeout)
		defer cancel()
		if err := l.handler.HandleBatch(ctx, pending); err != nil {
			log.Error().Err(err).Int("events", len(pending)).Msg("user event batch failed")
		}
		pending = nil
	}

	for {
		select {
		case ev, ok := <-in:
			if !ok {
				flush()
				return
			}
			pending = append(pending, ev)
			if len(pending) >= l.cfg.BatchSize {
				flush()
			} else if timer == nil {
				timer = time.NewTimer(l.cfg.BatchTimeout)
				timeout = timer.C
			}
		case <-timeout:
			timer, timeout = nil, nil
			flush()
		}
	}
}
