// Package echomux implements an echo server where every client converses
// over its own session: a pair of dedicated channels multiplexed onto a
// shared NATS connection.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            cmd/echomux              │  flags, config, wiring
//	└─────────────────────────────────────┘
//	           ↓ runs
//	┌─────────────────────────────────────┐
//	│              server                 │  handshake accept loop,
//	│        (pool + allocators)          │  sweep, session lifecycle
//	└─────────────────────────────────────┘
//	           ↓ owns
//	┌─────────────────────────────────────┐
//	│             duologue                │  per-client conversation:
//	│                                     │  echo, expiry, teardown
//	└─────────────────────────────────────┘
//	           ↓ speaks through
//	┌─────────────────────────────────────┐
//	│            transport                │  channels over NATS
//	└─────────────────────────────────────┘
//
// A client performs one request/reply handshake ("HELLO <identity>") and is
// granted a session id plus a data/control channel pair. Everything the
// server does to a session afterwards happens on a single executor goroutine;
// the duologue package documents the affinity rules.
//
// The gateway package serves the ops HTTP surface (health, metrics, a
// websocket feed of session events), and the client package implements the
// dialing side used by cmd/echomux-client.
package echomux
