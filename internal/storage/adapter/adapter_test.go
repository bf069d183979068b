// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/storagebridge/internal/codec"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

func TestRegistry(t *testing.T) {
	const vendor storagedef.VendorType = "registry-test"
	Register(vendor, func(deps Deps) storagedef.Adapter { return nil })

	assert.Contains(t, Vendors(), vendor)
	assert.Panics(t, func() { Register(vendor, func(Deps) storagedef.Adapter { return nil }) })

	_, err := New("not-compiled-in", Deps{})
	require.Error(t, err)
	assert.ErrorIs(t, err, storagedef.ErrUnsupported)
}

func TestDecoderBuildsVolumes(t *testing.T) {
	m := codec.Mapping{
		Record: "Volume",
		Fields: []codec.Field{
			{Target: storagedef.FieldName, Source: "@name", Required: true},
			{Target: storagedef.FieldCapacityBytes, Source: "@size", Kind: codec.Int, Unit: codec.MiB},
		},
		Meta: []codec.Field{{Target: "cursor", Source: "Response@cursor"}},
	}
	decode := Decoder(codec.XML, m, Volumes(storagedef.VendorVNX, "a1"), MetaCursor("cursor"))

	items, next, err := decode(&storagedef.RawResponse{Body: []byte(
		`<Response cursor="p2"><Volume name="v1" size="2"/><Volume name="v2" size="1"/></Response>`)})
	require.NoError(t, err)
	assert.Equal(t, "p2", next)
	require.Len(t, items, 2)
	assert.Equal(t, storagedef.Volume{
		ID: "v1", Name: "v1", CapacityBytes: 2 << 20, Array: "a1", SourceVendor: storagedef.VendorVNX,
	}, items[0])
}

func TestDecoderRunsChecks(t *testing.T) {
	failed := &storagedef.AdapterError{Vendor: storagedef.VendorVNX, Operation: "list", Message: "boom"}
	decode := Decoder(codec.JSON, codec.Mapping{Record: "items"}, Pools(storagedef.VendorPure, "a1"), nil,
		func(*codec.Document) error { return failed })

	_, _, err := decode(&storagedef.RawResponse{Body: []byte(`{"items":[]}`)})
	assert.ErrorIs(t, err, failed)
}

func TestLastRecordCursor(t *testing.T) {
	next := LastRecordCursor("id", 2)
	full := &codec.Document{Records: []codec.Fields{{"id": int64(7)}, {"id": int64(9)}}}
	short := &codec.Document{Records: []codec.Fields{{"id": int64(10)}}}

	assert.Equal(t, "10", next(nil, full))
	assert.Empty(t, next(nil, short))
}

func TestSamplesSkipAbsentCounters(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	f := codec.Fields{"r": 12.5, "lat": 0.0005}
	stats := []Stat{
		{Field: "r", Name: StatReadOps, Unit: storagedef.UnitOpsPerSecond},
		{Field: "w", Name: StatWriteOps, Unit: storagedef.UnitOpsPerSecond},
		{Field: "lat", Name: StatReadLatency, Unit: storagedef.UnitSeconds},
	}

	samples := Samples(f, "array", "a1", stats, ts, storagedef.VendorPure, "a1")
	require.Len(t, samples, 2)
	assert.Equal(t, StatReadOps, samples[0].Name)
	assert.InDelta(t, 12.5, samples[0].Value, 1e-9)
	assert.Equal(t, storagedef.UnitSeconds, samples[1].Unit)
	assert.Equal(t, storagedef.VendorPure, samples[1].SourceVendor)
	assert.Equal(t, ts, samples[1].Timestamp)
}
