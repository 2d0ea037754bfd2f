// Package table reads the per-frame cell measurement tables.
package table

import (
	"encoding/csv"
	"io"
	"io/fs"
	"math"
	"strconv"
	"strings"

	"github.com/alecthomas/errors"
	"golang.org/x/text/encoding/charmap"
)

// DefaultEncoding is the charset the tracking exports are written in.
const DefaultEncoding = "latin-1"

var ErrUnknownColumn = errors.New("unknown column")

type Options struct {
	// Delimiter between fields, ',' when zero.
	Delimiter rune
	// Encoding of the file: latin-1 (default) or utf-8.
	Encoding string
}

// Table is a header row and the per-cell records of one frame.
type Table struct {
	columns []string
	index   map[string]int
	rows    [][]string
}

// Read parses a delimited table whose first record names the columns.
func Read(r io.Reader, opts Options) (*Table, error) {
	r, err := decode(r, opts.Encoding)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(r)
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("missing header row")
	} else if err != nil {
		return nil, errors.Errorf("failed to read header: %w", err)
	}
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Errorf("failed to read records: %w", err)
	}
	return New(header, rows)
}

// ReadFile opens name in fsys and parses it with [Read].
func ReadFile(fsys fs.FS, name string, opts Options) (*Table, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	t, err := Read(f, opts)
	if err != nil {
		return nil, errors.Errorf("%s: %w", name, err)
	}
	return t, nil
}

// New builds a table from a header and records of the same width.
func New(columns []string, rows [][]string) (*Table, error) {
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		if _, ok := index[c]; ok {
			return nil, errors.Errorf("duplicate column %q", c)
		}
		index[c] = i
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, errors.Errorf("record %d has %d fields, expected %d", i+1, len(row), len(columns))
		}
	}
	return &Table{columns: columns, index: index, rows: rows}, nil
}

// Columns returns the column labels in file order.
func (t *Table) Columns() []string { return append([]string(nil), t.columns...) }

// Len returns the number of records.
func (t *Table) Len() int { return len(t.rows) }

// Has reports whether the table has the named column.
func (t *Table) Has(column string) bool {
	_, ok := t.index[column]
	return ok
}

// Float returns a column as numbers; cells that do not parse are NaN.
func (t *Table) Float(column string) ([]float64, error) {
	i, ok := t.index[column]
	if !ok {
		return nil, errors.Errorf("%w: %q", ErrUnknownColumn, column)
	}
	values := make([]float64, len(t.rows))
	for r, row := range t.rows {
		values[r] = parseFloat(row[i])
	}
	return values, nil
}

// NumericColumns returns the columns holding at least one finite number.
func (t *Table) NumericColumns() []string {
	var out []string
	for i, c := range t.columns {
		for _, row := range t.rows {
			if v := parseFloat(row[i]); !math.IsNaN(v) && !math.IsInf(v, 0) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func decode(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(encoding) {
	case "", "latin-1", "latin1", "iso-8859-1":
		return charmap.ISO8859_1.NewDecoder().Reader(r), nil
	case "utf-8", "utf8":
		return r, nil
	default:
		return nil, errors.Errorf("unsupported encoding %q", encoding)
	}
}
