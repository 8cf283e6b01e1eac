// Package search answers conversational queries over built indexes.
//
// A Searcher resolves each turn against its conversation history
// (query rewriting), runs exact first-stage retrieval over the dense
// and sparse indexes, fuses the runs, and optionally reranks the top
// candidates against stored document texts. Worker sessions accept one
// request at a time, so the searcher serializes each stage behind its
// own mutex; the conversation lock keeps turns of one session ordered.
package search
