// Copyright 2024-2026 Aiku AI

// Package connector implements the core of a Matrix-Twitter bridge: polled
// timeline and hashtag feeds fanned out into Matrix rooms, outbound posting
// from linked rooms, direct message bridging over user streams, and a
// provisioning HTTP API.
//
// # Core Types
//
// [TwitterConnector] assembles and runs the bridge core.
//
// [FeedScheduler] polls timeline and hashtag feeds round-robin on
// independent timers, skipping feeds whose rooms are all empty.
//
// [TweetPipeline] resolves reply chains, deduplicates content per room,
// uploads media, and drains deliveries in timestamp order at a fixed
// cadence so bursts do not flood rooms.
//
// [ClientFactory] manages the app-only bearer token and per-user clients
// with periodic credential re-validation.
//
// [OutboundRouter] posts room messages to the platform after matching them
// against the room's feed contexts, splitting long messages into reply
// chains.
//
// [RoomTypeRouter] dispatches room events by link type: service rooms take
// commands, DM rooms forward privately, feed rooms post outbound.
//
// [StreamSupervisor] keeps one user stream per DM-capable account attached.
//
// # Sub-packages
//
//   - twitterfmt converts tweet text and entities to Matrix HTML.
package connector
