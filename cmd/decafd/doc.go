// Package main is the decaf daemon.
//
// decafd serves the conversational search API over a pipeline file:
// it loads the built indexes, spawns the worker stages, and exposes
// search, conversation, job and observability endpoints over HTTP.
//
// Indexes that are not built yet do not fail startup: the daemon
// comes up with search disabled and builds enabled, so the first
// index can be created through POST /jobs and picked up on the next
// start.
//
// Configuration:
//   - DECAF_* environment variables (12-factor)
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Production mode
//	./decafd -pipeline cast.yaml -port 8130
//
//	# Development mode (colored logs, debug level)
//	./decafd -pipeline cast.yaml -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
