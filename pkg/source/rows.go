package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Rows reads logical CSV records (quoted fields may span lines). The first
// record is the header; Consumed counts records read after it.
type Rows struct {
	r        *csv.Reader
	header   []string
	consumed int64
}

func NewRows(r io.Reader) *Rows {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	return &Rows{r: cr}
}

// Header reads the header record. It must be called before Next.
func (r *Rows) Header() ([]string, error) {
	if r.header != nil {
		return r.header, nil
	}
	rec, err := r.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("missing header: %w", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if len(rec) > 0 {
		rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
	}
	r.header = rec
	return rec, nil
}

// Next returns the next record, or io.EOF.
func (r *Rows) Next() ([]string, error) {
	if r.header == nil {
		if _, err := r.Header(); err != nil {
			return nil, err
		}
	}
	rec, err := r.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read record %d: %w", r.consumed+1, err)
	}
	r.consumed++
	return rec, nil
}

// Skip discards n records. Reaching EOF early is not an error; the caller
// sees io.EOF from the next call to Next.
func (r *Rows) Skip(n int64) error {
	for range n {
		if _, err := r.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Consumed is the number of records read after the header.
func (r *Rows) Consumed() int64 {
	return r.consumed
}
