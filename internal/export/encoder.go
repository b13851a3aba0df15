package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"bulk-transfer-engine/internal/criteria"
	"bulk-transfer-engine/internal/models"
)

// Encoder writes records of a fixed field list to an artifact.
type Encoder interface {
	Write(rec models.Record) error
	// Close finishes the artifact. It must be called even for zero records.
	Close() error
}

// NewEncoder returns an encoder for f that writes to w. The header (or first
// sheet row) is emitted immediately, so an encoder closed without records
// still produces a well-formed artifact.
func NewEncoder(f Format, w io.Writer, fields []string) (Encoder, error) {
	switch f {
	case FormatCSV:
		return newCSVEncoder(w, fields)
	case FormatJSON:
		return newJSONEncoder(w, fields)
	case FormatXLSX:
		return newXLSXEncoder(w, fields)
	}
	return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, f)
}

// FieldsOf lists a record's fields in a stable order.
func FieldsOf(rec models.Record) []string {
	out := make([]string, 0, len(rec))
	for k := range rec {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type csvEncoder struct {
	w      *csv.Writer
	fields []string
	row    []string
}

func newCSVEncoder(w io.Writer, fields []string) (*csvEncoder, error) {
	e := &csvEncoder{w: csv.NewWriter(w), fields: fields, row: make([]string, len(fields))}
	if err := e.w.Write(fields); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return e, nil
}

func (e *csvEncoder) Write(rec models.Record) error {
	for i, f := range e.fields {
		e.row[i] = criteria.Stringify(rec[f])
	}
	return e.w.Write(e.row)
}

func (e *csvEncoder) Close() error {
	e.w.Flush()
	return e.w.Error()
}

type jsonEncoder struct {
	w      *bufio.Writer
	fields []string
	keys   [][]byte
	n      int
}

func newJSONEncoder(w io.Writer, fields []string) (*jsonEncoder, error) {
	e := &jsonEncoder{w: bufio.NewWriter(w), fields: fields, keys: make([][]byte, len(fields))}
	for i, f := range fields {
		k, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		e.keys[i] = k
	}
	if _, err := e.w.WriteString("["); err != nil {
		return nil, err
	}
	return e, nil
}

// Write emits one object with keys in field order.
func (e *jsonEncoder) Write(rec models.Record) error {
	if e.n > 0 {
		e.w.WriteByte(',')
	}
	e.n++
	e.w.WriteByte('{')
	for i, f := range e.fields {
		if i > 0 {
			e.w.WriteByte(',')
		}
		v, err := json.Marshal(rec[f])
		if err != nil {
			return fmt.Errorf("encode field %q: %w", f, err)
		}
		e.w.Write(e.keys[i])
		e.w.WriteByte(':')
		e.w.Write(v)
	}
	return e.w.WriteByte('}')
}

func (e *jsonEncoder) Close() error {
	if _, err := e.w.WriteString("]\n"); err != nil {
		return err
	}
	return e.w.Flush()
}

const sheetName = "Sheet1"

type xlsxEncoder struct {
	out    io.Writer
	file   *excelize.File
	sw     *excelize.StreamWriter
	fields []string
	row    int
}

func newXLSXEncoder(w io.Writer, fields []string) (*xlsxEncoder, error) {
	f := excelize.NewFile()
	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open sheet: %w", err)
	}
	e := &xlsxEncoder{out: w, file: f, sw: sw, fields: fields, row: 1}
	header := make([]interface{}, len(fields))
	for i, name := range fields {
		header[i] = name
	}
	if err := e.setRow(header); err != nil {
		f.Close()
		return nil, err
	}
	return e, nil
}

func (e *xlsxEncoder) Write(rec models.Record) error {
	cells := make([]interface{}, len(e.fields))
	for i, f := range e.fields {
		switch v := rec[f].(type) {
		case nil:
			cells[i] = ""
		case float64, bool, string:
			cells[i] = v
		default:
			cells[i] = criteria.Stringify(v)
		}
	}
	return e.setRow(cells)
}

func (e *xlsxEncoder) setRow(cells []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, e.row)
	if err != nil {
		return err
	}
	if err := e.sw.SetRow(cell, cells); err != nil {
		return fmt.Errorf("write sheet row %d: %w", e.row, err)
	}
	e.row++
	return nil
}

func (e *xlsxEncoder) Close() error {
	defer e.file.Close()
	if err := e.sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}
	if _, err := e.file.WriteTo(e.out); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
