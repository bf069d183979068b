// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// xmlNode is a minimal element tree. Namespaces are dropped; vendors mix
// prefixed and default namespaces for the same elements.
type xmlNode struct {
	name     string
	attrs    []xml.Attr
	children []*xmlNode
	text     []byte
}

func (n *xmlNode) attr(name string) (string, bool) {
	for _, a := range n.attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func (n *xmlNode) setAttr(name, value string) {
	for i := range n.attrs {
		if n.attrs[i].Name.Local == name {
			n.attrs[i].Value = value
			return
		}
	}
	n.attrs = append(n.attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
}

func (n *xmlNode) child(name string) *xmlNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *xmlNode) ensureChild(name string) *xmlNode {
	if c := n.child(name); c != nil {
		return c
	}
	c := &xmlNode{name: name}
	n.children = append(n.children, c)
	return c
}

// walk visits elements depth-first in document order until fn returns false.
func (n *xmlNode) walk(fn func(*xmlNode) bool) bool {
	for _, c := range n.children {
		if !fn(c) || !c.walk(fn) {
			return false
		}
	}
	return true
}

func (n *xmlNode) find(name string) *xmlNode {
	var found *xmlNode
	n.walk(func(c *xmlNode) bool {
		if c.name == name {
			found = c
			return false
		}
		return true
	})
	return found
}

func parseXML(data []byte) (*xmlNode, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	doc := &xmlNode{}
	stack := []*xmlNode{doc}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{name: t.Name.Local}
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
					continue
				}
				n.attrs = append(n.attrs, xml.Attr{Name: xml.Name{Local: a.Name.Local}, Value: a.Value})
			}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, n)
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			top := stack[len(stack)-1]
			top.text = append(top.text, t...)
		}
	}
	if len(stack) != 1 || len(doc.children) == 0 {
		return nil, errors.New("unexpected end of document")
	}
	return doc, nil
}

// splitSource splits "a/b@attr" into the element path and attribute name.
func splitSource(source string) ([]string, string) {
	path, attr, _ := strings.Cut(source, "@")
	if path == "" || path == "." {
		return nil, attr
	}
	return strings.Split(path, "/"), attr
}

// resolve reads a source relative to n. The bool is false when the element
// or attribute does not exist.
func (n *xmlNode) resolve(source string) (string, bool) {
	path, attr := splitSource(source)
	cur := n
	for _, seg := range path {
		if cur = cur.child(seg); cur == nil {
			return "", false
		}
	}
	if attr != "" {
		return cur.attr(attr)
	}
	return strings.TrimSpace(string(cur.text)), true
}

func decodeXML(data []byte, m Mapping) (*Document, error) {
	doc, err := parseXML(data)
	if err != nil {
		return nil, &storagedef.CodecError{Kind: storagedef.CodecSyntax, Shape: XML.String(), Err: err}
	}

	out := &Document{Meta: Fields{}}
	for _, fd := range m.Meta {
		raw, ok := resolveXMLMeta(doc, fd.Source)
		var v any
		if ok {
			v = raw
		}
		if err := applyField(out.Meta, fd, v, XML, 0); err != nil {
			return nil, err
		}
	}

	var records []*xmlNode
	doc.walk(func(n *xmlNode) bool {
		if n.name == m.Record {
			records = append(records, n)
		}
		return true
	})

	for i, n := range records {
		rec := Fields{}
		for _, fd := range m.Fields {
			raw, ok := n.resolve(fd.Source)
			var v any
			if ok {
				v = raw
			}
			if err := applyField(rec, fd, v, XML, i); err != nil {
				return nil, err
			}
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

// resolveXMLMeta finds the first element named by the source's leading
// segment anywhere in the document. A bare "@attr" reads the root element.
func resolveXMLMeta(doc *xmlNode, source string) (string, bool) {
	path, attr := splitSource(source)
	root := doc.children[0]
	if len(path) == 0 {
		if attr == "" {
			return strings.TrimSpace(string(root.text)), true
		}
		return root.attr(attr)
	}
	var start *xmlNode
	if root.name == path[0] {
		start = root
	} else {
		start = root.find(path[0])
	}
	if start == nil {
		return "", false
	}
	rest := strings.Join(path[1:], "/")
	if attr != "" {
		rest += "@" + attr
	}
	return start.resolve(rest)
}

func (n *xmlNode) assign(source, value string) {
	path, attr := splitSource(source)
	cur := n
	for _, seg := range path {
		cur = cur.ensureChild(seg)
	}
	if attr != "" {
		cur.setAttr(attr, value)
		return
	}
	cur.text = []byte(value)
}

func encodeXML(m Mapping, records []Fields, meta Fields) ([]byte, error) {
	if m.Record == "" {
		return nil, fmt.Errorf("xml mapping has no record element")
	}
	root := &xmlNode{name: m.root()}

	for _, fd := range m.Meta {
		v, ok := meta[fd.target()]
		if !ok {
			continue
		}
		path, attr := splitSource(fd.Source)
		target := root
		if len(path) > 0 && path[0] != root.name {
			target = root.ensureChild(path[0])
		}
		rest := ""
		if len(path) > 1 {
			rest = strings.Join(path[1:], "/")
		}
		if attr != "" {
			rest += "@" + attr
		}
		target.assign(rest, renderText(v, fd))
	}

	for _, rec := range records {
		n := &xmlNode{name: m.Record}
		for _, fd := range m.Fields {
			v, ok := rec[fd.target()]
			if !ok {
				continue
			}
			n.assign(fd.Source, renderText(v, fd))
		}
		root.children = append(root.children, n)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := writeXMLNode(enc, root); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeXMLNode(enc *xml.Encoder, n *xmlNode) error {
	start := xml.StartElement{Name: xml.Name{Local: n.name}, Attr: n.attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if len(n.text) > 0 {
		if err := enc.EncodeToken(xml.CharData(n.text)); err != nil {
			return err
		}
	}
	for _, c := range n.children {
		if err := writeXMLNode(enc, c); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}
