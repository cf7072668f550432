// Package fitsfile reads and writes the FITS files used by the pipeline: a
// primary header followed by named binary tables of scalar columns.
package fitsfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
)

var (
	ErrMissingCard   = errors.New("fitsfile: missing header card")
	ErrCardType      = errors.New("fitsfile: header card has unexpected type")
	ErrMissingColumn = errors.New("fitsfile: missing column")
	ErrColumnType    = errors.New("fitsfile: column has unexpected type")
	ErrColumnLength  = errors.New("fitsfile: column length mismatch")
)

// Header is an ordered list of user header cards.
type Header struct {
	cards []fitsio.Card
}

// Set adds or replaces a card. Nil values remove the card.
func (h *Header) Set(key string, value any, comment string) {
	key = strings.ToUpper(key)
	for i := range h.cards {
		if h.cards[i].Name == key {
			if value == nil {
				h.cards = append(h.cards[:i], h.cards[i+1:]...)
				return
			}
			h.cards[i].Value = value
			h.cards[i].Comment = comment
			return
		}
	}
	if value != nil {
		h.cards = append(h.cards, fitsio.Card{Name: key, Value: value, Comment: comment})
	}
}

// Has reports whether the card is present.
func (h *Header) Has(key string) bool {
	_, ok := h.lookup(key)
	return ok
}

// Keys returns card names in order.
func (h *Header) Keys() []string {
	keys := make([]string, len(h.cards))
	for i, c := range h.cards {
		keys[i] = c.Name
	}
	return keys
}

func (h *Header) lookup(key string) (any, bool) {
	key = strings.ToUpper(key)
	for _, c := range h.cards {
		if c.Name == key {
			return c.Value, true
		}
	}
	return nil, false
}

// String returns a string card.
func (h *Header) String(key string) (string, error) {
	v, ok := h.lookup(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingCard, key)
	}
	switch t := v.(type) {
	case string:
		return strings.TrimRight(t, " "), nil
	case int, int64, float64:
		return fmt.Sprint(t), nil
	}
	return "", fmt.Errorf("%w: %s is %T", ErrCardType, key, v)
}

// StringOr returns a string card or def when absent.
func (h *Header) StringOr(key, def string) string {
	s, err := h.String(key)
	if err != nil {
		return def
	}
	return s
}

// Float returns a numeric card.
func (h *Header) Float(key string) (float64, error) {
	v, ok := h.lookup(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingCard, key)
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %s is %T", ErrCardType, key, v)
}

// Int returns an integer card.
func (h *Header) Int(key string) (int, error) {
	v, ok := h.lookup(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingCard, key)
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t == float64(int(t)) {
			return int(t), nil
		}
	}
	return 0, fmt.Errorf("%w: %s is %T", ErrCardType, key, v)
}

// Bool returns a logical card. Absent cards read as false.
func (h *Header) Bool(key string) (bool, error) {
	v, ok := h.lookup(key)
	if !ok {
		return false, nil
	}
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("%w: %s is %T", ErrCardType, key, v)
}

// Column is a named column of scalars: []float64, []int64, []bool or []string.
type Column struct {
	Name string
	Data any
}

func columnLen(data any) int {
	switch d := data.(type) {
	case []float64:
		return len(d)
	case []int64:
		return len(d)
	case []bool:
		return len(d)
	case []string:
		return len(d)
	}
	return -1
}

// Table is a named binary table.
type Table struct {
	Name    string
	Header  Header
	Columns []Column
}

// NewTable returns an empty table.
func NewTable(name string) *Table {
	return &Table{Name: name}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return columnLen(t.Columns[0].Data)
}

// Add appends or replaces a column. Every column must have the same length.
func (t *Table) Add(name string, data any) error {
	if ints, ok := data.([]int); ok {
		conv := make([]int64, len(ints))
		for i, v := range ints {
			conv[i] = int64(v)
		}
		data = conv
	}
	n := columnLen(data)
	if n < 0 {
		return fmt.Errorf("%w: %s is %T", ErrColumnType, name, data)
	}
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			if len(t.Columns) > 1 && n != t.Len() {
				return fmt.Errorf("%w: %s has %d rows, table has %d", ErrColumnLength, name, n, t.Len())
			}
			t.Columns[i].Data = data
			return nil
		}
	}
	if len(t.Columns) > 0 && n != t.Len() {
		return fmt.Errorf("%w: %s has %d rows, table has %d", ErrColumnLength, name, n, t.Len())
	}
	t.Columns = append(t.Columns, Column{Name: name, Data: data})
	return nil
}

// Has reports whether a column exists.
func (t *Table) Has(name string) bool {
	return t.column(name) != nil
}

// ColumnNames lists column names in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t *Table) column(name string) *Column {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i]
		}
	}
	return nil
}

// Float64s returns a float column.
func (t *Table) Float64s(name string) ([]float64, error) {
	c := t.column(name)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
	}
	switch d := c.Data.(type) {
	case []float64:
		return d, nil
	case []int64:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s is %T", ErrColumnType, name, c.Data)
}

// Int64s returns an integer column.
func (t *Table) Int64s(name string) ([]int64, error) {
	c := t.column(name)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
	}
	if d, ok := c.Data.([]int64); ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s is %T", ErrColumnType, name, c.Data)
}

// Bools returns a logical column.
func (t *Table) Bools(name string) ([]bool, error) {
	c := t.column(name)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
	}
	if d, ok := c.Data.([]bool); ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s is %T", ErrColumnType, name, c.Data)
}

// Strings returns a character column.
func (t *Table) Strings(name string) ([]string, error) {
	c := t.column(name)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
	}
	if d, ok := c.Data.([]string); ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s is %T", ErrColumnType, name, c.Data)
}

// Document is a primary header and its tables.
type Document struct {
	Primary Header
	Tables  []*Table
}

// Table returns the named table or nil.
func (d *Document) Table(name string) *Table {
	for _, t := range d.Tables {
		if strings.EqualFold(t.Name, name) {
			return t
		}
	}
	return nil
}

// WriteFile writes doc to path. The file is written next to its
// destination and renamed into place, so a failed write leaves any
// existing file untouched.
func WriteFile(path string, doc *Document) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = Encode(tmp, doc); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// ReadFile reads a document from path.
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Encode writes doc as a FITS stream.
func Encode(w io.Writer, doc *Document) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("create fits stream: %w", err)
	}
	defer fits.Close()

	prim := fitsio.NewImage(8, nil)
	defer prim.Close()
	if err := prim.Header().Append(doc.Primary.cards...); err != nil {
		return fmt.Errorf("primary header: %w", err)
	}
	if err := fits.Write(prim); err != nil {
		return fmt.Errorf("write primary HDU: %w", err)
	}

	for _, t := range doc.Tables {
		if err := writeTable(fits, t); err != nil {
			return fmt.Errorf("write table %s: %w", t.Name, err)
		}
	}
	return nil
}

func writeTable(fits *fitsio.File, t *Table) error {
	cols := make([]fitsio.Column, len(t.Columns))
	for i, c := range t.Columns {
		format, err := columnFormat(c)
		if err != nil {
			return err
		}
		cols[i] = fitsio.Column{Name: c.Name, Format: format}
	}

	tbl, err := fitsio.NewTable(t.Name, cols, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer tbl.Close()
	if err := tbl.Header().Append(t.Header.cards...); err != nil {
		return err
	}

	row := make([]any, len(t.Columns))
	for i := 0; i < t.Len(); i++ {
		for j, c := range t.Columns {
			switch d := c.Data.(type) {
			case []float64:
				row[j] = &d[i]
			case []int64:
				row[j] = &d[i]
			case []bool:
				row[j] = &d[i]
			case []string:
				row[j] = &d[i]
			}
		}
		if err := tbl.Write(row...); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return fits.Write(tbl)
}

func columnFormat(c Column) (string, error) {
	switch d := c.Data.(type) {
	case []float64:
		return "D", nil
	case []int64:
		return "K", nil
	case []bool:
		return "L", nil
	case []string:
		// values are stored behind a leading NUL
		width := 1
		for _, s := range d {
			if len(s) > width {
				width = len(s)
			}
		}
		return strconv.Itoa(width+1) + "A", nil
	}
	return "", fmt.Errorf("%w: %s is %T", ErrColumnType, c.Name, c.Data)
}

// Decode reads a FITS stream written by Encode.
func Decode(r io.Reader) (*Document, error) {
	fits, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("open fits stream: %w", err)
	}
	defer fits.Close()

	hdus := fits.HDUs()
	if len(hdus) == 0 {
		return nil, fmt.Errorf("fits stream has no HDUs")
	}
	doc := &Document{Primary: userHeader(hdus[0].Header())}
	for _, hdu := range hdus[1:] {
		tbl, ok := hdu.(*fitsio.Table)
		if !ok || hdu.Type() != fitsio.BINARY_TBL {
			continue
		}
		t, err := readTable(tbl)
		if err != nil {
			return nil, fmt.Errorf("read table %s: %w", hdu.Name(), err)
		}
		doc.Tables = append(doc.Tables, t)
	}
	return doc, nil
}

func readTable(tbl *fitsio.Table) (*Table, error) {
	t := &Table{Name: tbl.Name(), Header: userHeader(tbl.Header())}
	cols := tbl.Cols()
	n := int(tbl.NumRows())

	data := make([]any, len(cols))
	dest := make([]func(int) any, len(cols))
	for j, c := range cols {
		kind, err := formatKind(c.Format)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		switch kind {
		case 'D':
			d := make([]float64, n)
			data[j], dest[j] = d, func(i int) any { return &d[i] }
		case 'K':
			d := make([]int64, n)
			data[j], dest[j] = d, func(i int) any { return &d[i] }
		case 'L':
			d := make([]bool, n)
			data[j], dest[j] = d, func(i int) any { return &d[i] }
		case 'A':
			d := make([]string, n)
			data[j], dest[j] = d, func(i int) any { return &d[i] }
		}
	}

	rows, err := tbl.Read(0, int64(n))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	row := make([]any, len(cols))
	for i := 0; rows.Next(); i++ {
		if i >= n {
			return nil, fmt.Errorf("more rows than declared (%d)", n)
		}
		for j := range cols {
			row[j] = dest[j](i)
		}
		if err := rows.Scan(row...); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for j, c := range cols {
		if s, ok := data[j].([]string); ok {
			for i := range s {
				s[i] = strings.TrimRight(s[i], " \x00")
			}
		}
		t.Columns = append(t.Columns, Column{Name: c.Name, Data: data[j]})
	}
	return t, nil
}

// formatKind maps a TFORM value to the scalar kinds Encode writes.
func formatKind(format string) (byte, error) {
	f := strings.TrimSpace(format)
	i := 0
	for i < len(f) && f[i] >= '0' && f[i] <= '9' {
		i++
	}
	if i == len(f) {
		return 0, fmt.Errorf("%w: format %q", ErrColumnType, format)
	}
	repeat := 1
	if i > 0 {
		repeat, _ = strconv.Atoi(f[:i])
	}
	kind := f[i]
	switch kind {
	case 'A':
		return kind, nil
	case 'D', 'K', 'L':
		if repeat == 1 {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("%w: format %q", ErrColumnType, format)
}

var structural = map[string]bool{
	"SIMPLE": true, "XTENSION": true, "BITPIX": true, "NAXIS": true, "EXTEND": true,
	"PCOUNT": true, "GCOUNT": true, "TFIELDS": true, "EXTNAME": true, "END": true,
	"THEAP": true,
}

func isStructural(name string) bool {
	if structural[name] {
		return true
	}
	for _, p := range []string{"NAXIS", "TTYPE", "TFORM", "TUNIT", "TDIM", "TNULL", "TSCAL", "TZERO", "TDISP"} {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func userHeader(h *fitsio.Header) Header {
	var out Header
	for _, key := range h.Keys() {
		if key == "" || isStructural(key) || key == "COMMENT" || key == "HISTORY" {
			continue
		}
		if c := h.Get(key); c != nil {
			out.cards = append(out.cards, *c)
		}
	}
	return out
}
