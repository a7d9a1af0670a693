// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mirror

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Attachment references a file carried by a source message. The transport
// knows how to fetch it by ID at delivery time.
type Attachment struct {
	ID   string
	Name string
}

// Message is one inbound item from a source feed. Text may be empty for
// attachment-only messages.
type Message struct {
	SourceID   string
	MessageID  string
	Text       string
	Attachment *Attachment
}

// Deliverer sends a filtered message to the destination feed. Delivery is
// always requested silent (no recipient-facing notification); transports
// honor that as far as their network allows.
type Deliverer interface {
	Deliver(ctx context.Context, text string, attachment *Attachment) error
}

// Pipeline coordinates one message's journey: identity dedup, filter
// chain, code dedup, delivery, state commit, stats. It holds no state of
// its own between calls; everything durable lives in the store.
type Pipeline struct {
	store     *Store
	chain     *Chain
	extractor *Extractor
	deliverer Deliverer
	stats     *StatsRecorder
	log       zerolog.Logger
}

func NewPipeline(store *Store, chain *Chain, extractor *Extractor, deliverer Deliverer, stats *StatsRecorder, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		chain:     chain,
		extractor: extractor,
		deliverer: deliverer,
		stats:     stats,
		log:       log.With().Str("component", "pipeline").Logger(),
	}
}

// Process makes the forward/skip decision for one message. Reprocessing an
// already recorded identity is a no-op. Filter and extractor failures
// never abort a message; delivery and store failures do, and leave the
// identity unmarked so the message stays eligible for a later delivery.
func (p *Pipeline) Process(ctx context.Context, msg Message) error {
	log := p.log.With().
		Str("source_id", msg.SourceID).
		Str("message_id", msg.MessageID).
		Logger()

	done, err := p.store.IsProcessed(ctx, msg.SourceID, msg.MessageID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to check processed state")
		return err
	}
	if done {
		return nil
	}

	text, err := p.chain.Apply(ctx, msg.Text)
	if err != nil {
		// Delivering unfiltered text could relay exactly what the rules
		// are there to rewrite. The identity stays unmarked so the
		// message is retried once the store recovers.
		log.Error().Err(err).Msg("Failed to apply filters")
		return err
	}

	// Codes are extracted after link expansion so product IDs hidden
	// behind shorteners are visible.
	codes := p.extractor.Extract(text)
	if len(codes) > 0 {
		known, err := p.store.KnownCodes(ctx, codes)
		if err != nil {
			log.Error().Err(err).Msg("Failed to look up duplicate codes")
			return err
		}
		if len(known) > 0 {
			log.Info().
				Str("codes", strings.Join(known, ",")).
				Msg("Skipping content-level duplicate")
			if _, err := p.store.MarkProcessed(ctx, msg.SourceID, msg.MessageID); err != nil {
				log.Error().Err(err).Msg("Failed to mark duplicate as processed")
				return err
			}
			return nil
		}
	}

	if err := p.deliverer.Deliver(ctx, text, msg.Attachment); err != nil {
		// Not marked processed: the identity stays eligible if the
		// source redelivers it.
		log.Error().Err(err).Msg("Failed to deliver message")
		return err
	}

	inserted, err := p.store.MarkProcessed(ctx, msg.SourceID, msg.MessageID)
	if err != nil {
		log.Error().Err(err).Msg("Delivered but failed to mark processed")
		return err
	}
	if err := p.store.RecordCodes(ctx, codes); err != nil {
		// The message is delivered and marked; a missed code only costs
		// one potential future duplicate.
		log.Error().Err(err).Msg("Failed to record duplicate codes")
	}
	// A concurrent worker that won the insert already counted this
	// identity; duplicate delivery is tolerated, double counting is not.
	if inserted {
		p.stats.Increment()
	}

	log.Info().Int("codes", len(codes)).Msg("Forwarded message")
	return nil
}
