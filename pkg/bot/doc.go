// Copyright 2024-2026 Bacchist
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bot wires a Matrix client to the collaborator modules: the chat
// transcript logger, the link archiver, the autonomous conversation module,
// and the arXiv paper poster.
//
// # Stale-message filtering
//
// Incoming messages pass a staleness decision table before any processing:
// events with no timestamp or from before process startup are dropped, the
// initial sync backlog is limited to the last five minutes, and anything
// older than an hour is ignored in steady state. See checkStaleness.
//
// # Lifecycle
//
// [New] builds the client and registers the event callbacks; [Bot.Run]
// syncs until the context is cancelled, retrying on sync errors. Once the
// catch-up batch from the first /sync response has been handled, two
// background loops start: the spontaneous-message check and the paper
// poster maintenance cycle. Both run on fixed intervals and
// log-and-continue on failure.
//
// Collaborators are passed in as interfaces ([URLProcessor],
// [Conversationalist], [Poster], [TranscriptLogger]); their failures are
// always contained to the event that triggered them.
package bot
