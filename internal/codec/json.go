// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

func decodeJSON(data []byte, m Mapping) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, &storagedef.CodecError{Kind: storagedef.CodecSyntax, Shape: JSON.String(), Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &storagedef.CodecError{Kind: storagedef.CodecSyntax, Shape: JSON.String(), Err: errors.New("trailing data after document")}
	}

	out := &Document{Meta: Fields{}}
	for _, fd := range m.Meta {
		raw, _ := lookupJSON(root, fd.Source)
		if err := applyField(out.Meta, fd, raw, JSON, 0); err != nil {
			return nil, err
		}
	}

	node, ok := lookupJSON(root, m.Record)
	if !ok || node == nil {
		return out, nil
	}

	var items []any
	switch v := node.(type) {
	case []any:
		items = v
	case map[string]any:
		items = []any{v}
	default:
		return nil, &storagedef.CodecError{Kind: storagedef.CodecSyntax, Shape: JSON.String(), Err: fmt.Errorf("%q is not an array or object", m.Record)}
	}

	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, &storagedef.CodecError{Kind: storagedef.CodecSyntax, Shape: JSON.String(), Row: i, Err: errors.New("record is not an object")}
		}
		rec := Fields{}
		for _, fd := range m.Fields {
			raw, _ := lookupJSON(obj, fd.Source)
			if err := applyField(rec, fd, raw, JSON, i); err != nil {
				return nil, err
			}
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

// lookupJSON follows a dotted path. An empty path returns the node itself.
func lookupJSON(node any, path string) (any, bool) {
	if path == "" {
		return node, true
	}
	cur := node
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			cur = v[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func assignJSON(obj map[string]any, path string, v any) {
	segs := strings.Split(path, ".")
	cur := obj
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
}

func encodeJSON(m Mapping, records []Fields, meta Fields) ([]byte, error) {
	items := make([]any, 0, len(records))
	for _, rec := range records {
		obj := map[string]any{}
		for _, fd := range m.Fields {
			v, ok := rec[fd.target()]
			if !ok {
				continue
			}
			assignJSON(obj, fd.Source, render(v, fd))
		}
		items = append(items, obj)
	}

	if m.Record == "" {
		if len(meta) > 0 && len(m.Meta) > 0 {
			return nil, errors.New("json mapping without record path cannot carry meta fields")
		}
		return json.Marshal(items)
	}

	root := map[string]any{}
	assignJSON(root, m.Record, items)
	for _, fd := range m.Meta {
		v, ok := meta[fd.target()]
		if !ok {
			continue
		}
		assignJSON(root, fd.Source, render(v, fd))
	}
	return json.Marshal(root)
}
