// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec maps XML, JSON and CSV vendor payloads onto flat field sets
// using declarative per-adapter mapping tables. Quantities are converted to
// base units (bytes, seconds) while decoding and back to vendor units while
// encoding.
package codec

import (
	"strings"

	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// Shape is a wire format.
type Shape int

const (
	JSON Shape = iota
	XML
	CSV
)

func (s Shape) String() string {
	switch s {
	case XML:
		return "xml"
	case CSV:
		return "csv"
	default:
		return "json"
	}
}

// ShapeFromContentType guesses the shape of a payload from its media type.
func ShapeFromContentType(ct string) (Shape, bool) {
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, "json"):
		return JSON, true
	case strings.Contains(ct, "xml"):
		return XML, true
	case strings.Contains(ct, "csv"):
		return CSV, true
	}
	return JSON, false
}

// Kind is the Go type a field decodes to.
type Kind int

const (
	String Kind = iota
	Int
	Float
	Bool
)

// Field maps one vendor source onto one canonical target.
//
// Source syntax depends on the shape:
//
//	XML   "@attr" attribute of the record element, "child" text of a child
//	      element, "child@attr" attribute of a child, "a/b" nested children,
//	      "." the record element's own text
//	JSON  dotted path inside the record object, numeric segments index arrays
//	CSV   header column name
type Field struct {
	Target   string
	Source   string
	Kind     Kind
	Unit     Unit
	Required bool
}

func (f Field) target() string {
	if f.Target != "" {
		return f.Target
	}
	return f.Source
}

// Mapping describes how records are laid out in a payload.
type Mapping struct {
	// Record is the XML element name of one record, or the JSON dotted path
	// to the record array (or single record object). Empty for CSV, and for
	// JSON payloads whose root is the record array.
	Record string
	// Root names the XML document element written by Encode.
	Root string
	// SkipRows is the number of CSV rows after the header that carry no
	// data, such as a type or unit row.
	SkipRows int
	// Fields are read from every record.
	Fields []Field
	// Meta fields are read once per document. XML sources name an element
	// anywhere in the document ("Response@cursor"); JSON sources are paths
	// from the document root.
	Meta []Field
}

func (m Mapping) root() string {
	if m.Root != "" {
		return m.Root
	}
	return "Response"
}

// Document is a decoded payload.
type Document struct {
	Records []Fields
	Meta    Fields
}

// Decode parses data of the given shape and applies the mapping.
func Decode(data []byte, shape Shape, m Mapping) (*Document, error) {
	switch shape {
	case JSON:
		return decodeJSON(data, m)
	case XML:
		return decodeXML(data, m)
	case CSV:
		return decodeCSV(data, m)
	}
	return nil, &storagedef.CodecError{Kind: storagedef.CodecUnsupportedShape, Shape: shape.String()}
}

// Encode renders records and document meta in the given shape, restoring
// vendor units. Decode(Encode(x)) yields x for every declared field.
func Encode(shape Shape, m Mapping, records []Fields, meta Fields) ([]byte, error) {
	switch shape {
	case JSON:
		return encodeJSON(m, records, meta)
	case XML:
		return encodeXML(m, records, meta)
	case CSV:
		return encodeCSV(m, records)
	}
	return nil, &storagedef.CodecError{Kind: storagedef.CodecUnsupportedShape, Shape: shape.String()}
}

// applyField converts raw and stores it in out. raw is nil when the source
// is absent.
func applyField(out Fields, fd Field, raw any, shape Shape, index int) error {
	if raw == nil {
		if fd.Required {
			return &storagedef.CodecError{Kind: storagedef.CodecMissingField, Shape: shape.String(), Field: fd.Source, Row: index}
		}
		return nil
	}
	v, present, err := convert(raw, fd)
	if err != nil {
		return &storagedef.CodecError{Kind: storagedef.CodecInvalidValue, Shape: shape.String(), Field: fd.Source, Row: index, Err: err}
	}
	if !present {
		if fd.Required {
			return &storagedef.CodecError{Kind: storagedef.CodecMissingField, Shape: shape.String(), Field: fd.Source, Row: index}
		}
		return nil
	}
	out[fd.target()] = v
	return nil
}
