package filestore

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"bulk-transfer-engine/internal/mapper"
)

// ErrMissingHeader is returned when a source file has no header row.
var ErrMissingHeader = errors.New("source file has no header row")

// Row is one data row of a header-delimited source file.
type Row struct {
	// Number is the 1-based position of the row among data rows.
	Number int64
	Values mapper.Row
	// Err is set when the row itself could not be parsed; Values is then
	// whatever could be recovered.
	Err error
}

// RowReader streams rows of a delimited text file with a header row.
type RowReader struct {
	rc     io.ReadCloser
	csv    *csv.Reader
	header []string
	n      int64
}

// OpenRows opens ref and consumes its header row.
func OpenRows(ctx context.Context, st Store, ref string) (*RowReader, error) {
	rc, err := st.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	r := newRowReader(rc)
	header, err := r.csv.Read()
	if err != nil {
		rc.Close()
		if errors.Is(err, io.EOF) {
			return nil, ErrMissingHeader
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	r.header = make([]string, len(header))
	for i, h := range header {
		r.header[i] = mapper.CleanColumn(h)
	}
	return r, nil
}

func newRowReader(rc io.ReadCloser) *RowReader {
	cr := csv.NewReader(skipBOM(rc))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return &RowReader{rc: rc, csv: cr}
}

// Header returns the cleaned column names.
func (r *RowReader) Header() []string {
	return r.header
}

// Next returns the next row or io.EOF. Malformed rows are returned with Err
// set so callers can record them and keep going.
func (r *RowReader) Next() (Row, error) {
	record, err := r.csv.Read()
	if errors.Is(err, io.EOF) {
		return Row{}, io.EOF
	}
	var parseErr *csv.ParseError
	if err != nil && !errors.As(err, &parseErr) {
		return Row{}, fmt.Errorf("read row %d: %w", r.n+1, err)
	}
	r.n++
	row := Row{Number: r.n, Values: make(mapper.Row, len(r.header))}
	for i, col := range r.header {
		if i < len(record) {
			row.Values[col] = record[i]
		}
	}
	if parseErr != nil {
		row.Err = fmt.Errorf("malformed row: %v", parseErr.Err)
	}
	return row, nil
}

func (r *RowReader) Close() error {
	return r.rc.Close()
}

// CountRows returns the number of data rows in ref. Counting walks the same
// reader Next uses, so the total always agrees with what a later pass yields.
func CountRows(ctx context.Context, st Store, ref string) (int64, error) {
	r, err := OpenRows(ctx, st, ref)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	var n int64
	for {
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if _, err := r.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return 0, err
		}
		n++
	}
}

func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(3); err == nil && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		_, _ = br.Discard(3)
	}
	return br
}
