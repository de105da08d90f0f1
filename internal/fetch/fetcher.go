package fetch

import (
	"context"
	"sync"
)

// Fetcher makes a source's weights available in a local directory,
// downloading hub repositories into CacheRoot.
type Fetcher struct {
	Client    *Client
	CacheRoot string
}

// Fetch returns the directory holding sourceURI's weights. progress receives
// the overall fraction in [0, 1] across all files.
func (f *Fetcher) Fetch(ctx context.Context, sourceURI string, progress func(fraction float64)) (string, error) {
	src, err := ParseSource(sourceURI)
	if err != nil {
		return "", err
	}
	if src.IsLocal() {
		return src.Dir, nil
	}
	m, err := f.Client.Manifest(ctx, src)
	if err != nil {
		return "", err
	}
	dir := src.CacheDir(f.CacheRoot)
	files := DownloadFiles(m.Files)

	var mu sync.Mutex
	done := make(map[string]float64, len(files))
	report := func(file string, n, total int64) {
		if progress == nil || total <= 0 {
			return
		}
		mu.Lock()
		done[file] = float64(n) / float64(total)
		var sum float64
		for _, v := range done {
			sum += v
		}
		mu.Unlock()
		progress(min(sum/float64(len(files)), 1))
	}
	if err := f.Client.Download(ctx, src, m, dir, report); err != nil {
		return "", err
	}
	if progress != nil {
		progress(1)
	}
	return dir, nil
}
