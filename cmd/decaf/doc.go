// Package main is the decaf experiment CLI.
//
// It drives worker-backed retrieval pipelines from the command line, in
// two modes:
//
//	index   read the corpus, stream it through the encoder and/or
//	        expander workers, and save the resulting indexes
//	search  run a topic set (plain TSV queries or conversational JSON
//	        topics) through rewriting, retrieval, fusion and reranking,
//	        and write a standard six-column run file
//
// The pipeline topology comes from a YAML or TOML file; worker defaults
// (interpreter, batch size, grace timeout) and the asset cache come from
// DECAF_* environment variables.
//
// Usage:
//
//	decaf index  -pipeline cast.yaml -out ./indexes
//	decaf search -pipeline cast.yaml -run runs/dense.trec
//
// Signals:
//   - SIGINT, SIGTERM: cancel the in-flight mode and tear workers down
package main
