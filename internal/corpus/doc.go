// Package corpus reads retrieval collections from disk.
//
// A collection is a set of shard files, each holding one document per
// line in JSONL or TSV layout, optionally gzip- or zstd-compressed.
// Shards are discovered by glob or directory walk and streamed through
// an Iterator so collections never have to fit in memory.
//
// Built on specialized libraries:
//   - sonic: JSONL record decoding
//   - klauspost/compress: gzip and zstd shards
//   - doublestar + fastwalk: shard discovery
//   - mimetype: skipping non-text files during discovery
//   - goquery + chardet + bluemonday: text extraction for raw web pages
//
// Example Usage:
//
//	shards, _ := corpus.Discover("collection/**/*.jsonl.gz")
//	it, _ := corpus.Open(shards[0], corpus.FormatAuto)
//	defer it.Close()
//	for {
//		doc, err := it.Next()
//		if err == io.EOF {
//			break
//		}
//		// index doc
//	}
package corpus
