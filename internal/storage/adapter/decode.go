// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"strconv"
	"time"

	"github.com/platformbuilds/storagebridge/internal/codec"
	"github.com/platformbuilds/storagebridge/internal/dispatch"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// Builder turns one decoded record into a model record.
type Builder[T storagedef.Record] func(f codec.Fields) T

// CursorFunc extracts the cursor of the next page. It returns "" on the
// last page.
type CursorFunc func(resp *storagedef.RawResponse, doc *codec.Document) string

// Check inspects a decoded page before records are built. Vendors that
// report failures inside successful responses use it.
type Check func(doc *codec.Document) error

// Decoder builds a page decoder from a mapping, a record builder and a
// cursor extractor. next may be nil for unpaginated calls.
func Decoder[T storagedef.Record](shape codec.Shape, m codec.Mapping, build Builder[T], next CursorFunc, checks ...Check) dispatch.PageDecoder[T] {
	return func(resp *storagedef.RawResponse) ([]T, string, error) {
		doc, err := codec.Decode(resp.Body, shape, m)
		if err != nil {
			return nil, "", err
		}
		for _, check := range checks {
			if err := check(doc); err != nil {
				return nil, "", err
			}
		}
		items := make([]T, 0, len(doc.Records))
		for _, rec := range doc.Records {
			items = append(items, build(rec))
		}
		cursor := ""
		if next != nil {
			cursor = next(resp, doc)
		}
		return items, cursor, nil
	}
}

// MetaCursor reads the cursor from a document meta field.
func MetaCursor(name string) CursorFunc {
	return func(_ *storagedef.RawResponse, doc *codec.Document) string {
		return doc.Meta.String(name)
	}
}

// LastRecordCursor pages by record key: when a page is full, the next page
// starts after the largest key seen. Used by APIs that take a start id.
func LastRecordCursor(field string, pageSize int) CursorFunc {
	return func(_ *storagedef.RawResponse, doc *codec.Document) string {
		if pageSize <= 0 || len(doc.Records) < pageSize {
			return ""
		}
		var last int64 = -1
		for _, rec := range doc.Records {
			if id := rec.Int(field); id > last {
				last = id
			}
		}
		if last < 0 {
			return ""
		}
		return strconv.FormatInt(last+1, 10)
	}
}

// Volumes builds volumes for one array.
func Volumes(vendor storagedef.VendorType, array string) Builder[storagedef.Volume] {
	return func(f codec.Fields) storagedef.Volume { return storagedef.NewVolume(f, vendor, array) }
}

// Pools builds pools for one array.
func Pools(vendor storagedef.VendorType, array string) Builder[storagedef.Pool] {
	return func(f codec.Fields) storagedef.Pool { return storagedef.NewPool(f, vendor, array) }
}

// Nodes builds nodes for one array.
func Nodes(vendor storagedef.VendorType, array string) Builder[storagedef.Node] {
	return func(f codec.Fields) storagedef.Node { return storagedef.NewNode(f, vendor, array) }
}

// Stat names one performance counter inside a decoded record. Field is the
// mapping target holding the value, already in base units.
type Stat struct {
	Field string
	Name  string
	Unit  string
}

// Samples turns the counters present in f into metric samples. Counters the
// vendor left out are skipped rather than reported as zero.
func Samples(f codec.Fields, kind, entity string, stats []Stat, ts time.Time, vendor storagedef.VendorType, array string) []storagedef.MetricSample {
	out := make([]storagedef.MetricSample, 0, len(stats))
	for _, s := range stats {
		if !f.Has(s.Field) {
			continue
		}
		out = append(out, storagedef.MetricSample{
			EntityKind:   kind,
			Entity:       entity,
			Name:         s.Name,
			Unit:         s.Unit,
			Value:        f.Float(s.Field),
			Timestamp:    ts,
			Array:        array,
			SourceVendor: vendor,
		})
	}
	return out
}

// Common sample names shared by every vendor.
const (
	StatReadOps        = "read_ops"
	StatWriteOps       = "write_ops"
	StatTotalOps       = "total_ops"
	StatReadBytes      = "read_bytes"
	StatWriteBytes     = "write_bytes"
	StatReadLatency    = "read_latency"
	StatWriteLatency   = "write_latency"
	StatQueueDepth     = "queue_depth"
	StatUsedCapacity   = "used_capacity"
	StatTotalCapacity  = "total_capacity"
	StatDataReduction  = "data_reduction"
	StatCPUUtilization = "cpu_utilization"
)
