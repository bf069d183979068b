// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/csv"
	"strings"

	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeCSV resolves column indexes from the header row on every call.
// Rows are numbered from zero with the header as row 0.
func decodeCSV(data []byte, m Mapping) (*Document, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, &storagedef.CodecError{Kind: storagedef.CodecSyntax, Shape: CSV.String(), Err: err}
	}

	out := &Document{Meta: Fields{}}
	if len(rows) == 0 {
		for _, fd := range m.Fields {
			if fd.Required {
				return nil, &storagedef.CodecError{Kind: storagedef.CodecMissingField, Shape: CSV.String(), Field: fd.Source}
			}
		}
		return out, nil
	}

	header := rows[0]
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	for _, fd := range m.Fields {
		if _, ok := index[fd.Source]; !ok && fd.Required {
			return nil, &storagedef.CodecError{Kind: storagedef.CodecMissingField, Shape: CSV.String(), Field: fd.Source}
		}
	}

	for i := 1 + m.SkipRows; i < len(rows); i++ {
		row := rows[i]
		if len(row) != len(header) {
			return nil, &storagedef.CodecError{Kind: storagedef.CodecMalformedRow, Shape: CSV.String(), Row: i}
		}
		rec := Fields{}
		for _, fd := range m.Fields {
			var raw any
			if col, ok := index[fd.Source]; ok {
				raw = strings.TrimSpace(row[col])
			}
			if err := applyField(rec, fd, raw, CSV, i); err != nil {
				return nil, err
			}
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

func encodeCSV(m Mapping, records []Fields) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := make([]string, len(m.Fields))
	for i, fd := range m.Fields {
		header[i] = fd.Source
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, rec := range records {
		row := make([]string, len(m.Fields))
		for i, fd := range m.Fields {
			if v, ok := rec[fd.target()]; ok {
				row[i] = renderText(v, fd)
			}
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
