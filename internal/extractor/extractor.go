// Package extractor discovers frame files in a data directory and recovers
// their frame index from the filename.
package extractor

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/gobwas/glob"
)

// DefaultPattern selects the delimited tables written by the tracking pipeline.
const DefaultPattern = "*.csv"

// FrameFile is a table file and the frame index parsed from its name
type FrameFile struct {
	Name  string
	Path  string
	Index int
}

// FrameIndex returns the trailing numeric token of a filename.
//
// The token is whatever follows the last underscore, cut at the first dot:
// "cells_t_012.csv" is frame 12.
func FrameIndex(name string) (int, error) {
	token := filepath.Base(name)
	if i := strings.LastIndexByte(token, '_'); i >= 0 {
		token = token[i+1:]
	}
	token, _, _ = strings.Cut(token, ".")
	if token == "" {
		return 0, errors.Errorf("no frame index in filename %q", name)
	}
	idx, err := strconv.Atoi(token)
	if err != nil {
		return 0, errors.Errorf("invalid frame index %q in filename %q", token, name)
	}
	return idx, nil
}

// ListFrameFiles lists the frame files in dir, sorted by name.
//
// An empty pattern matches every regular file. Files without a parsable
// index are skipped and logged.
func ListFrameFiles(logger *slog.Logger, dir, pattern string) ([]FrameFile, error) {
	var matcher glob.Glob
	if pattern != "" {
		var err error
		matcher, err = glob.Compile(pattern)
		if err != nil {
			return nil, errors.Errorf("invalid file pattern %q: %w", pattern, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Errorf("failed to read frames directory '%s': %w", dir, err)
	}

	var files []FrameFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if matcher != nil && !matcher.Match(name) {
			continue
		}
		idx, err := FrameIndex(name)
		if err != nil {
			logger.Warn("Skipping file without frame index", "file", name, "error", err)
			continue
		}
		files = append(files, FrameFile{
			Name:  name,
			Path:  filepath.Join(dir, name),
			Index: idx,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}
