// Package config provides 12-factor configuration management for the
// decaf pipeline.
//
// Host-level settings come from environment variables with sensible
// defaults. Experiment topology (collection location, worker-backed
// stages, retrieval assembly) comes from a pipeline file in YAML or
// TOML, selected by extension.
//
// Configuration Sections:
//   - Server: HTTP service settings (port, host)
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//   - Worker: Defaults for worker-backed stages (interpreter, grace
//     timeout, batch size, diagnostic log path)
//   - Assets: Model artifact cache
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	pipe, err := config.LoadPipeline("pipelines/cast.yaml")
//
// Environment Variables:
//   - DECAF_PORT, DECAF_HOST
//   - DECAF_LOG_LEVEL, DECAF_LOG_DEV
//   - DECAF_RATE_LIMIT_RPS, DECAF_RATE_LIMIT_BURST, DECAF_RATE_LIMIT_ENABLED
//   - DECAF_WORKER_INTERPRETER, DECAF_WORKER_GRACE_TIMEOUT,
//     DECAF_WORKER_BATCH_SIZE, DECAF_WORKER_DIAGNOSTIC_LOG
//   - DECAF_ASSETS_DIR, DECAF_ASSETS_RETRIES
package config
