// Package browser is a small directory browser used to pick the data
// directory: a text box holding the current directory, a list of its entries
// and an Open button.
package browser

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"
)

const parentEntry = ".."

var (
	ErrNotDirectory    = errors.New("not a directory")
	ErrNoAccess        = errors.New("directory is not readable")
	ErrNothingSelected = errors.New("no entry selected")
	ErrOutsideRoot     = errors.New("outside of the browse root")
	ErrUnknownEntry    = errors.New("unknown entry")
)

// Entry describes one option of the directory list.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  string `json:"size,omitempty"`
}

// Browser holds the widget state. It is not safe for concurrent use.
type Browser struct {
	logger   *slog.Logger
	root     string
	current  string
	options  []string
	selected string
}

// New starts a browser at parent. A non-empty root confines navigation to
// root and its descendants. Both accept "~".
func New(logger *slog.Logger, parent, root string) (*Browser, error) {
	current, err := absPath(parent)
	if err != nil {
		return nil, err
	}
	if root != "" {
		if root, err = absPath(root); err != nil {
			return nil, err
		}
		if !within(root, current) {
			return nil, errors.Errorf("%s: %w", current, ErrOutsideRoot)
		}
	}
	return &Browser{
		logger:  logger,
		root:    root,
		current: current,
		options: GetDirs(current),
	}, nil
}

func absPath(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", errors.Errorf("failed to expand %q: %w", path, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return abs, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// GetDirs lists parent with a ".." entry, sorted. An unreadable parent
// yields no entries.
func GetDirs(parent string) []string {
	if ok, _ := HasAccess(parent, "r"); !ok {
		return []string{}
	}
	entries, err := os.ReadDir(parent)
	if err != nil {
		return []string{}
	}
	names := make([]string, 0, len(entries)+1)
	names = append(names, parentEntry)
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}

// Current returns the directory shown in the text box.
func (b *Browser) Current() string { return b.current }

// Options returns the entries of the current directory.
func (b *Browser) Options() []string { return append([]string(nil), b.options...) }

// Selected returns the selected entry, empty before the first selection.
func (b *Browser) Selected() string { return b.selected }

// Root returns the confinement root, empty when unconfined.
func (b *Browser) Root() string { return b.root }

// Select changes the list selection without navigating.
func (b *Browser) Select(name string) error {
	if !slices.Contains(b.options, name) {
		return errors.Errorf("%w: %q", ErrUnknownEntry, name)
	}
	b.selected = name
	return nil
}

// Open navigates into the selected entry. The new listing replaces the
// options and its first entry becomes the selection. On error the state is
// left unchanged.
func (b *Browser) Open() error {
	if b.selected == "" {
		return ErrNothingSelected
	}
	next := filepath.Clean(filepath.Join(b.current, b.selected))
	if b.root != "" && !within(b.root, next) {
		return errors.Errorf("%s: %w", next, ErrOutsideRoot)
	}
	info, err := os.Stat(next)
	if err != nil {
		return errors.WithStack(err)
	}
	if !info.IsDir() {
		return errors.Errorf("%s: %w", next, ErrNotDirectory)
	}
	options := GetDirs(next)
	if len(options) == 0 {
		return errors.Errorf("%s: %w", next, ErrNoAccess)
	}
	b.logger.Debug("Opened directory", "dir", next)
	b.current = next
	b.options = options
	b.selected = options[0]
	return nil
}

// Entries describes the current options for display.
func (b *Browser) Entries() []Entry {
	out := make([]Entry, 0, len(b.options))
	for _, name := range b.options {
		entry := Entry{Name: name}
		info, err := os.Stat(filepath.Join(b.current, name))
		if err == nil {
			entry.IsDir = info.IsDir()
			if !entry.IsDir {
				entry.Size = humanize.Bytes(uint64(info.Size()))
			}
		}
		out = append(out, entry)
	}
	return out
}
