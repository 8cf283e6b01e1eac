// Package server exposes the decaf HTTP API.
//
// The API covers conversational search, conversation reset, index job
// management, service stats, Prometheus metrics, and a WebSocket feed of
// job events. Endpoints backed by an absent dependency (no searcher, no
// build hook) answer 503 instead of being unregistered, so clients see a
// stable surface.
//
// Key Components:
//   - Server: gin router wrapped in a net/http server with graceful shutdown
//   - Deps: the services the routes are built over
//   - BuildFunc: daemon-supplied hook that runs one index build with its
//     own worker processes
//
// Example Usage:
//
//	srv := server.New(cfg, server.Deps{Searcher: searcher, Jobs: mgr, Build: build})
//	go srv.Run()
//	defer srv.Shutdown(ctx)
package server
