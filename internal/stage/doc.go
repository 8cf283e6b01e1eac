// Package stage runs the neural pipeline stages as external worker
// processes.
//
// Four stages cover the pipeline: Rewriter (conversation history plus
// utterance to a self-contained query), Encoder (text to dense
// vector), Expander (text to sparse term weights) and Reranker
// (query-passage pair to relevance score). Each stage instance owns
// exactly one worker process, started from a Spec naming the
// interpreter, the entry-point script and sorted key=value arguments.
//
// The wire contract is the worker package's synchronization protocol;
// this package only defines the payload shapes. Requests are single
// JSON lines. Responses are a JSON object for the rewriter, a bare
// JSON array per vector for the encoder, a bare JSON object per term
// map for the expander and a bare numeric line per score for the
// reranker. A response line that fails to decode tears the worker
// down, since result pairing can no longer be trusted.
//
// Encoder, Expander and Reranker batch their requests; the batch size
// comes from the Spec. The encoder's Close additionally performs the
// counted end-of-work phase, draining vectors a worker flushes when
// its input ends.
package stage
