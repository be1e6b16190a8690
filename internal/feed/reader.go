// Package feed reads catalog exports produced by the master point-of-sale system.
package feed

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/gastronom/gastronom/internal/catalog"
)

// ErrEmptyFeed reports an export without a header row.
var ErrEmptyFeed = errors.New("feed: export is empty")

// ErrUnknownEncoding reports an unsupported character set name.
var ErrUnknownEncoding = errors.New("feed: unknown encoding")

// Reader decodes a delimited export into raw records keyed by header name.
type Reader struct {
	encoding encoding.Encoding
	comma    rune
}

// NewReader builds a Reader for the named character set. Empty means
// windows-1251, the default of 1C exports.
func NewReader(charset string, comma rune) (*Reader, error) {
	enc, err := lookupEncoding(charset)
	if err != nil {
		return nil, err
	}
	if comma == 0 {
		comma = ';'
	}
	return &Reader{encoding: enc, comma: comma}, nil
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "windows-1251", "cp1251":
		return charmap.Windows1251, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	case "iso-8859-1", "latin1":
		return charmap.ISO8859_1, nil
	case "utf-8", "utf8":
		return unicode.UTF8BOM, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
}

// Read parses the whole export. Rows shorter than the header leave the
// missing columns absent; blank rows are skipped.
func (r *Reader) Read(src io.Reader) ([]catalog.RawRecord, error) {
	decoded := transform.NewReader(src, r.encoding.NewDecoder())
	cr := csv.NewReader(decoded)
	cr.Comma = r.comma
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFeed
	}
	if err != nil {
		return nil, fmt.Errorf("feed: read header: %w", err)
	}
	for i, col := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
	}

	var records []catalog.RawRecord
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("feed: read row %d: %w", len(records)+2, err)
		}
		if blank(row) {
			continue
		}
		rec := make(catalog.RawRecord, len(header))
		for i, col := range header {
			if col == "" || i >= len(row) {
				continue
			}
			rec[col] = row[i]
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadBytes is a convenience wrapper around Read.
func (r *Reader) ReadBytes(data []byte) ([]catalog.RawRecord, error) {
	return r.Read(bytes.NewReader(data))
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
