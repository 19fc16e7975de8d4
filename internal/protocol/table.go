package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Table is a row-major matrix of string cells with named columns. A null cell
// and an empty string encode identically; both decode as "".
type Table struct {
	Columns []string
	Rows    [][]string
}

// NewTable builds a table with the given column names and no rows.
func NewTable(columns ...string) Table {
	return Table{Columns: columns}
}

// AddRow appends one row; it must have one cell per column.
func (t *Table) AddRow(cells ...string) error {
	if len(cells) != len(t.Columns) {
		return fmt.Errorf("%w: row has %d cells, table has %d columns", ErrInvalidTable, len(cells), len(t.Columns))
	}
	t.Rows = append(t.Rows, cells)
	return nil
}

// Column returns the index of the named column, or -1.
func (t Table) Column(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Cell returns the value of a named column in row i, "" when either is absent.
func (t Table) Cell(i int, column string) string {
	j := t.Column(column)
	if j < 0 || i < 0 || i >= len(t.Rows) || j >= len(t.Rows[i]) {
		return ""
	}
	return t.Rows[i][j]
}

// Validate checks the dimensions fit the 16-bit wire counters and every row
// is as wide as the column list.
func (t Table) Validate() error {
	if len(t.Columns) > math.MaxUint16 || len(t.Rows) > math.MaxUint16 {
		return fmt.Errorf("%w: %d rows x %d columns", ErrInvalidTable, len(t.Rows), len(t.Columns))
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("%w: row %d has %d cells, want %d", ErrInvalidTable, i, len(row), len(t.Columns))
		}
	}
	return nil
}

// SizeOf is the number of bytes EncodeTable produces for t, computed without
// encoding it.
func SizeOf(t Table) int {
	size := 4
	for _, c := range t.Columns {
		size += StringSize(c)
	}
	for _, row := range t.Rows {
		for _, cell := range row {
			size += StringSize(cell)
		}
	}
	return size
}

// EncodeTable writes dimensions, then column names, then all cells row-major.
func EncodeTable(t Table) ([]byte, error) {
	return AppendTable(make([]byte, 0, SizeOf(t)), t)
}

// AppendTable appends the encoded table to dst.
func AppendTable(dst []byte, t Table) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return dst, err
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(t.Rows)))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(t.Columns)))
	var err error
	for _, c := range t.Columns {
		if dst, err = AppendString(dst, c); err != nil {
			return dst, err
		}
	}
	for _, row := range t.Rows {
		for _, cell := range row {
			if dst, err = AppendString(dst, cell); err != nil {
				return dst, err
			}
		}
	}
	return dst, nil
}

// DecodeTable reads a table from the start of b and reports the bytes consumed.
func DecodeTable(b []byte) (Table, int, error) {
	r := newReader(b)
	nrows, err := r.u16()
	if err != nil {
		return Table{}, 0, err
	}
	ncols, err := r.u16()
	if err != nil {
		return Table{}, 0, err
	}
	t := Table{}
	if ncols > 0 {
		if t.Columns, err = r.strs(int(ncols)); err != nil {
			return Table{}, 0, err
		}
	}
	if nrows > 0 {
		t.Rows = make([][]string, 0, nrows)
		for i := 0; i < int(nrows); i++ {
			row, err := r.strs(int(ncols))
			if err != nil {
				return Table{}, 0, err
			}
			t.Rows = append(t.Rows, row)
		}
	}
	return t, r.pos, nil
}
