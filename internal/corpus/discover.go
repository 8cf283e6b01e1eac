package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/gabriel-vasile/mimetype"
)

var shardExts = map[string]bool{
	".jsonl":  true,
	".json":   true,
	".ndjson": true,
	".tsv":    true,
	".txt":    true,
	".gz":     true,
	".zst":    true,
}

// Discover expands a collection pattern into a sorted list of shard
// files. Patterns use gitignore-style ** globs; a pattern naming a
// directory walks it recursively and keeps files that look like shards.
func Discover(pattern string) ([]string, error) {
	if info, err := os.Stat(pattern); err == nil && info.IsDir() {
		return discoverDir(pattern)
	}

	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad collection pattern %q: %w", pattern, err)
	}

	shards := make([]string, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		shards = append(shards, m)
	}
	sort.Strings(shards)
	if len(shards) == 0 {
		return nil, fmt.Errorf("no corpus shards match %q", pattern)
	}
	return shards, nil
}

func discoverDir(root string) ([]string, error) {
	var mu sync.Mutex
	var shards []string
	conf := fastwalk.Config{Follow: false}

	err := fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !looksLikeShard(p) {
			return nil
		}
		mu.Lock()
		shards = append(shards, p)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk collection %s: %w", root, err)
	}

	sort.Strings(shards)
	if len(shards) == 0 {
		return nil, fmt.Errorf("no corpus shards under %s", root)
	}
	return shards, nil
}

// looksLikeShard accepts known extensions outright and sniffs the rest,
// so stray binaries inside a collection directory are skipped.
func looksLikeShard(path string) bool {
	if shardExts[strings.ToLower(filepath.Ext(path))] {
		return true
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mtype.String(), "text/") ||
		mtype.Is("application/x-ndjson") ||
		mtype.Is("application/json")
}
