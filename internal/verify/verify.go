// Package verify implements single-file comparison under a chosen
// method, and a parallel whole-tree diff used by the consistency
// sweeper.
package verify

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gmadsen/syncd/internal/fsutil"
	"github.com/gmadsen/syncd/internal/model"
)

// cacheEntry records the hash computed for a file the last time it was
// seen at a given size and mtime; a size or mtime change invalidates it.
type cacheEntry struct {
	size  int64
	mtime time.Time
	hash  string
}

// Verifier compares files and trees. The zero value is usable; the hash
// cache is created lazily.
type Verifier struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

func New() *Verifier {
	return &Verifier{cache: make(map[string]cacheEntry)}
}

// VerifyFile checks existence, then size, then the method-specific
// comparison.
func (v *Verifier) VerifyFile(srcPath, dstPath string, method model.VerifyMethod) model.VerifyResult {
	start := time.Now()

	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return finish(model.VerifyResult{Matches: false, Error: "source file does not exist"}, start)
	}
	dstInfo, err := os.Stat(dstPath)
	if err != nil {
		return finish(model.VerifyResult{Matches: false, Error: "destination file does not exist"}, start)
	}

	if srcInfo.Size() != dstInfo.Size() {
		return finish(model.VerifyResult{Matches: false, Error: "File sizes don't match"}, start)
	}

	switch method {
	case model.VerifySizeOnly:
		return finish(model.VerifyResult{Matches: true}, start)

	case model.VerifyTimestamp:
		diff := srcInfo.ModTime().Sub(dstInfo.ModTime())
		if diff < 0 {
			diff = -diff
		}
		matches := diff <= time.Second
		res := model.VerifyResult{Matches: matches}
		if !matches {
			res.Error = "timestamps don't match within threshold"
		}
		return finish(res, start)

	case model.VerifySecureHash:
		srcHash, err := v.hashCached(srcPath, srcInfo, fsutil.HashSHA256)
		if err != nil {
			return finish(model.VerifyResult{Matches: false, Error: err.Error()}, start)
		}
		dstHash, err := v.hashCached(dstPath, dstInfo, fsutil.HashSHA256)
		if err != nil {
			return finish(model.VerifyResult{Matches: false, Error: err.Error()}, start)
		}
		res := model.VerifyResult{SourceHash: srcHash, DestHash: dstHash, Matches: srcHash == dstHash}
		if !res.Matches {
			res.Error = "SHA-256 checksums don't match"
		}
		return finish(res, start)

	case model.VerifyFullCompare:
		equal, err := fsutil.BytesEqual(srcPath, dstPath)
		if err != nil {
			return finish(model.VerifyResult{Matches: false, Error: err.Error()}, start)
		}
		res := model.VerifyResult{Matches: equal}
		if !equal {
			res.Error = "file contents don't match"
		}
		return finish(res, start)

	default: // model.VerifyFastHash, and the catch-all default
		srcHash, err := v.hashCached(srcPath, srcInfo, fsutil.HashMD5)
		if err != nil {
			return finish(model.VerifyResult{Matches: false, Error: err.Error()}, start)
		}
		dstHash, err := v.hashCached(dstPath, dstInfo, fsutil.HashMD5)
		if err != nil {
			return finish(model.VerifyResult{Matches: false, Error: err.Error()}, start)
		}
		res := model.VerifyResult{SourceHash: srcHash, DestHash: dstHash, Matches: srcHash == dstHash}
		if !res.Matches {
			res.Error = "MD5 checksums don't match"
		}
		return finish(res, start)
	}
}

func (v *Verifier) hashCached(path string, info os.FileInfo, hashFn func(string) (string, error)) (string, error) {
	v.mu.Lock()
	if entry, ok := v.cache[path]; ok && entry.size == info.Size() && entry.mtime.Equal(info.ModTime()) {
		v.mu.Unlock()
		return entry.hash, nil
	}
	v.mu.Unlock()

	sum, err := hashFn(path)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	if v.cache == nil {
		v.cache = make(map[string]cacheEntry)
	}
	v.cache[path] = cacheEntry{size: info.Size(), mtime: info.ModTime(), hash: sum}
	v.mu.Unlock()

	return sum, nil
}

func finish(result model.VerifyResult, start time.Time) model.VerifyResult {
	result.Duration = time.Since(start)
	return result
}

// PathResult pairs a tree-relative path with the VerifyResult for that pair.
type PathResult struct {
	RelPath string
	Result  model.VerifyResult
}

// VerifyDirectory is the directory diff: every regular file under srcDir
// must have a regular-file counterpart under dstDir
// (else "File missing in destination"), every regular file under dstDir
// must have a source counterpart (else "Extra file in destination"), and
// all matched pairs are compared under method. When parallel is set and
// there is more than one pair, up to maxThreads goroutines share the work
// via golang.org/x/sync/errgroup with round-robin shard assignment.
func (v *Verifier) VerifyDirectory(srcDir, dstDir string, method model.VerifyMethod, parallel bool, maxThreads int) ([]PathResult, error) {
	type pair struct{ src, dst, rel string }

	var pairs []pair
	var results []PathResult

	err := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		dstPath := filepath.Join(dstDir, rel)
		dstInfo, statErr := os.Stat(dstPath)
		if statErr == nil && dstInfo.Mode().IsRegular() {
			pairs = append(pairs, pair{src: path, dst: dstPath, rel: rel})
		} else {
			results = append(results, PathResult{RelPath: rel, Result: model.VerifyResult{
				Matches: false, Error: "File missing in destination",
			}})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = filepath.Walk(dstDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dstDir, path)
		if err != nil {
			return err
		}

		srcPath := filepath.Join(srcDir, rel)
		srcInfo, statErr := os.Stat(srcPath)
		if statErr != nil || !srcInfo.Mode().IsRegular() {
			results = append(results, PathResult{RelPath: rel, Result: model.VerifyResult{
				Matches: false, Error: "Extra file in destination",
			}})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(pairs) == 0 {
		return results, nil
	}

	pairResults := make([]PathResult, len(pairs))

	if parallel && len(pairs) > 1 {
		numWorkers := maxThreads
		if numWorkers > len(pairs) {
			numWorkers = len(pairs)
		}
		if numWorkers < 1 {
			numWorkers = 1
		}

		g := new(errgroup.Group)
		for i := 0; i < numWorkers; i++ {
			shard := i
			g.Go(func() error {
				for j := shard; j < len(pairs); j += numWorkers {
					p := pairs[j]
					pairResults[j] = PathResult{RelPath: p.rel, Result: v.VerifyFile(p.src, p.dst, method)}
				}
				return nil
			})
		}
		_ = g.Wait() // VerifyFile never returns an error through this path
	} else {
		for i, p := range pairs {
			pairResults[i] = PathResult{RelPath: p.rel, Result: v.VerifyFile(p.src, p.dst, method)}
		}
	}

	return append(results, pairResults...), nil
}
