// Package bulk moves resources in and out of the store as NDJSON: one
// resource per line, the format of FHIR Bulk Data files.
package bulk

import (
	"bufio"
	"bytes"
	"io"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// maxLine bounds a single NDJSON record.
const maxLine = 16 << 20

// NDJSONWriter writes one resource per line.
type NDJSONWriter struct {
	w *bufio.Writer
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{w: bufio.NewWriter(w)}
}

// WriteResource writes r as a single line followed by a newline.
func (n *NDJSONWriter) WriteResource(r fhir.Resource) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	return n.w.WriteByte('\n')
}

// Flush flushes buffered lines to the underlying writer.
func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}

// Line is one non-blank input line with its 1-based position.
type Line struct {
	Number int
	Data   []byte
}

// ScanLines calls fn for every non-blank line of r. It stops at the first
// error returned by fn or by the reader.
func ScanLines(r io.Reader, fn func(Line) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	n := 0
	for sc.Scan() {
		n++
		trimmed := bytes.TrimSpace(sc.Bytes())
		if len(trimmed) == 0 {
			continue
		}
		data := make([]byte, len(trimmed))
		copy(data, trimmed)
		if err := fn(Line{Number: n, Data: data}); err != nil {
			return err
		}
	}
	return sc.Err()
}
