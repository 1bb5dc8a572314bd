package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// collectionSource holds the tracked-collection set behind an atomic so
// the scheduler and the API read a consistent snapshot while the watcher
// swaps in a reloaded one.
type collectionSource struct {
	value atomic.Value
}

func newCollectionSource(collections []string) *collectionSource {
	source := &collectionSource{}
	source.store(collections)
	return source
}

func (s *collectionSource) Load() []string {
	collections, _ := s.value.Load().([]string)
	return collections
}

func (s *collectionSource) store(collections []string) {
	s.value.Store(collections)
}

func buildCollectionSource() (*collectionSource, error) {
	if file := os.Getenv("SKYMIRROR_COLLECTIONS_FILE"); file != "" {
		collections, err := readCollectionsFile(file)
		if err != nil {
			return nil, err
		}
		if len(collections) == 0 {
			return nil, fmt.Errorf("no collections configured in %s", file)
		}
		return newCollectionSource(collections), nil
	}
	collections := parseCollections(os.Getenv("SKYMIRROR_COLLECTIONS"))
	if len(collections) == 0 {
		return nil, fmt.Errorf("SKYMIRROR_COLLECTIONS or SKYMIRROR_COLLECTIONS_FILE is required")
	}
	return newCollectionSource(collections), nil
}

// parseCollections splits a comma-separated collection list, trimming
// whitespace and dropping empty entries.
func parseCollections(raw string) []string {
	parts := strings.Split(raw, ",")
	collections := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			collections = append(collections, part)
		}
	}
	return collections
}

// readCollectionsFile reads one collection per line; blank lines and
// #-comments are skipped.
func readCollectionsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var collections []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		collections = append(collections, line)
	}
	return collections, nil
}

// watchCollectionsFile reloads the tracked-collection set whenever the
// configured file changes. The watch is on the parent directory because
// editors typically replace the file rather than write it in place.
func watchCollectionsFile(ctx context.Context, path string, source *collectionSource) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithField("err", err).Warn("collections watcher unavailable")
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		log.WithFields(log.Fields{"dir": dir, "err": err}).Warn("collections watch failed")
		return
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			collections, err := readCollectionsFile(path)
			if err != nil {
				log.WithFields(log.Fields{"file": path, "err": err}).Warn("collections reload failed")
				continue
			}
			if len(collections) == 0 {
				log.WithField("file", path).Warn("collections reload skipped: file empty")
				continue
			}
			source.store(collections)
			log.WithField("collections", len(collections)).Info("collections reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithField("err", err).Warn("collections watcher error")
		}
	}
}
