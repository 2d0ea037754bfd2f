package extractor_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/bdougie/tablevis/internal/extractor"
	"github.com/bdougie/tablevis/internal/logging/loggingtest"
)

func TestFrameIndex(t *testing.T) {
	tests := []struct {
		name     string
		expected int
		fails    bool
	}{
		{name: "cells_t_012.csv", expected: 12},
		{name: "frame_7.tar.csv", expected: 7},
		{name: "42.csv", expected: 42},
		{name: "/data/run_3/tracks_0005.csv", expected: 5},
		{name: "tracks_final.csv", fails: true},
		{name: "tracks_.csv", fails: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, err := extractor.FrameIndex(tt.name)
			if tt.fails {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, idx)
		})
	}
}

func TestListFrameFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"t_10.csv", "t_2.csv", "notes.txt", "summary_all.csv"} {
		err := os.WriteFile(filepath.Join(dir, name), []byte("a,b\n1,2\n"), 0600)
		assert.NoError(t, err)
	}
	assert.NoError(t, os.Mkdir(filepath.Join(dir, "sub_1.csv"), 0700))

	files, err := extractor.ListFrameFiles(loggingtest.NewForTesting(), dir, extractor.DefaultPattern)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(files))
	assert.Equal(t, "t_10.csv", files[0].Name)
	assert.Equal(t, 10, files[0].Index)
	assert.Equal(t, "t_2.csv", files[1].Name)
	assert.Equal(t, filepath.Join(dir, "t_2.csv"), files[1].Path)

	all, err := extractor.ListFrameFiles(loggingtest.NewForTesting(), dir, "")
	assert.NoError(t, err)
	assert.Equal(t, 2, len(all))
}

func TestListFrameFilesErrors(t *testing.T) {
	_, err := extractor.ListFrameFiles(loggingtest.NewForTesting(), filepath.Join(t.TempDir(), "missing"), "")
	assert.Error(t, err)

	_, err = extractor.ListFrameFiles(loggingtest.NewForTesting(), t.TempDir(), "[")
	assert.Error(t, err)
}
