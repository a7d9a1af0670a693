// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mirror relays posts from a set of source Mattermost channels into
// a single destination channel, forwarding each source message at most once.
//
// Two layers of duplicate suppression are applied. Identity dedup skips a
// message whose (source_id, message_id) pair has already been handled. Code
// dedup extracts identifying codes (product IDs, coupon codes) from the
// filtered text and skips messages whose codes were already forwarded under
// a different identity. Before extraction, the text runs through an ordered,
// user-editable filter chain that expands shortened links and rewrites
// patterns, so codes hidden behind redirects become visible.
//
// # Core Types
//
// [Pipeline] is the central coordinator: identity check, filter chain, code
// check, delivery, state commit, stats update.
//
// [Store] owns all durable state (processed identities, duplicate codes,
// channel labels, filter rules) in a SQLite database. Every logical
// operation is serialized behind a single mutex.
//
// [Chain] applies the filter rules in sort order, fetching them from the
// store on every call so administrative edits take effect immediately.
//
// [Scheduler] is the daily retention sweep: it deletes processed-identity
// rows older than the configured window and clears the code cache.
//
// [Client] is the transport glue. It receives posts over a Mattermost
// WebSocket, feeds them to the pipeline, and implements [Deliverer] for the
// destination channel. The pipeline itself is transport-agnostic.
//
// [AdminAPI] serves the administrative HTTP surface: filter CRUD and
// reordering, retention and dedup configuration, per-source counts, and a
// read-only ad-hoc query endpoint.
package mirror
