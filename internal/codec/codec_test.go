// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

var volumeXML = Mapping{
	Record: "Volume",
	Fields: []Field{
		{Target: "id", Source: "@volume", Required: true},
		{Target: "name", Source: "@name"},
		{Target: "capacity_bytes", Source: "@size", Kind: Int, Unit: MiB},
		{Target: "pool", Source: "StoragePool@name"},
		{Target: "state", Source: "Status"},
	},
	Meta: []Field{{Target: "cursor", Source: "Response@cursor"}},
}

func TestDecodeXMLAttributesAndChildren(t *testing.T) {
	payload := `<?xml version="1.0" encoding="UTF-8"?>
<ResponsePacket xmlns="http://www.emc.com/schemas/celerra/xml_api">
  <Response cursor="c2">
    <Volume volume="101" name="vol-a" size="2">
      <StoragePool name="pool0"/>
      <Status> ok </Status>
    </Volume>
    <Volume volume="102" name="vol-b" size="1"/>
  </Response>
</ResponsePacket>`

	doc, err := Decode([]byte(payload), XML, volumeXML)
	require.NoError(t, err)
	require.Len(t, doc.Records, 2)

	assert.Equal(t, "c2", doc.Meta.String("cursor"))
	assert.Equal(t, "101", doc.Records[0].String("id"))
	assert.Equal(t, int64(2<<20), doc.Records[0].Int("capacity_bytes"))
	assert.Equal(t, "pool0", doc.Records[0].String("pool"))
	assert.Equal(t, "ok", doc.Records[0].String("state"))
	assert.False(t, doc.Records[1].Has("pool"))
}

func TestDecodeXMLMissingRequiredAttribute(t *testing.T) {
	_, err := Decode([]byte(`<Response><Volume name="x"/></Response>`), XML, volumeXML)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storagedef.ErrMissingField))

	var cerr *storagedef.CodecError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "@volume", cerr.Field)
}

func TestDecodeXMLSyntaxError(t *testing.T) {
	_, err := Decode([]byte(`<Response><Volume volume="1"></Response>`), XML, volumeXML)
	var cerr *storagedef.CodecError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, storagedef.CodecSyntax, cerr.Kind)
}

func TestDecodeCSVNormalizesGiB(t *testing.T) {
	m := Mapping{Fields: []Field{
		{Target: "name", Source: "name", Required: true},
		{Target: "capacity_bytes", Source: "capacity_gb", Kind: Int, Unit: GiB},
	}}

	doc, err := Decode([]byte("name,capacity_gb\npool1,100\n"), CSV, m)
	require.NoError(t, err)
	require.Len(t, doc.Records, 1)
	assert.Equal(t, "pool1", doc.Records[0].String("name"))
	assert.Equal(t, int64(100*1024*1024*1024), doc.Records[0].Int("capacity_bytes"))
}

func TestDecodeCSVHeaderOrderIndependent(t *testing.T) {
	m := Mapping{Fields: []Field{
		{Target: "name", Source: "name"},
		{Target: "capacity_bytes", Source: "capacity_gb", Kind: Int, Unit: GiB},
	}}

	doc, err := Decode([]byte("capacity_gb,name\n1,p\n"), CSV, m)
	require.NoError(t, err)
	assert.Equal(t, "p", doc.Records[0].String("name"))
	assert.Equal(t, int64(1<<30), doc.Records[0].Int("capacity_bytes"))
}

func TestDecodeCSVMalformedRow(t *testing.T) {
	m := Mapping{Fields: []Field{{Target: "name", Source: "name"}}}

	_, err := Decode([]byte("name,capacity_gb\npool1,100\npool2\n"), CSV, m)
	require.Error(t, err)
	assert.ErrorIs(t, err, storagedef.ErrMalformedRow)

	var cerr *storagedef.CodecError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 2, cerr.Row)
}

func TestDecodeCSVSkipRows(t *testing.T) {
	m := Mapping{SkipRows: 1, Fields: []Field{
		{Target: "iops", Source: "IOPS", Kind: Float},
	}}
	doc, err := Decode([]byte("IOPS\nfloat\n12.5\n"), CSV, m)
	require.NoError(t, err)
	require.Len(t, doc.Records, 1)
	assert.InDelta(t, 12.5, doc.Records[0].Float("iops"), 1e-9)
}

func TestDecodeJSONKiloBytes(t *testing.T) {
	m := Mapping{
		Record: "pools",
		Fields: []Field{
			{Target: "name", Source: "name", Required: true},
			{Target: "free_bytes", Source: "freeSpace", Kind: Int, Unit: KiB},
			{Target: "capacity_bytes", Source: "space.total", Kind: Int, Unit: KiB},
		},
	}

	doc, err := Decode([]byte(`{"pools":[{"name":"p","freeSpace":2048,"space":{"total":"4096"}}]}`), JSON, m)
	require.NoError(t, err)
	require.Len(t, doc.Records, 1)
	assert.Equal(t, int64(2097152), doc.Records[0].Int("free_bytes"))
	assert.Equal(t, int64(4194304), doc.Records[0].Int("capacity_bytes"), "numeric strings are accepted")
}

func TestDecodeIntOverflowIsInvalid(t *testing.T) {
	m := Mapping{Fields: []Field{{Target: "free_bytes", Source: "freeSpace", Kind: Int, Unit: KiB}}}

	_, err := Decode([]byte(`[{"freeSpace":9007199254740993}]`), JSON, m)
	var cerr *storagedef.CodecError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, storagedef.CodecInvalidValue, cerr.Kind)
	assert.Equal(t, "freeSpace", cerr.Field)

	_, err = Decode([]byte(`[{"freeSpace":-9007199254740993}]`), JSON, m)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, storagedef.CodecInvalidValue, cerr.Kind)

	doc, err := Decode([]byte(`[{"freeSpace":9007199254740991}]`), JSON, m)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740991)<<10, doc.Records[0].Int("free_bytes"))
}

func TestDecodeJSONMissingAndInvalid(t *testing.T) {
	m := Mapping{Fields: []Field{
		{Target: "id", Source: "id", Required: true},
		{Target: "size", Source: "size", Kind: Int},
	}}

	_, err := Decode([]byte(`[{"size":1}]`), JSON, m)
	assert.ErrorIs(t, err, storagedef.ErrMissingField)

	_, err = Decode([]byte(`[{"id":"a","size":"big"}]`), JSON, m)
	var cerr *storagedef.CodecError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, storagedef.CodecInvalidValue, cerr.Kind)

	_, err = Decode([]byte(`[{"id":"a"`), JSON, m)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, storagedef.CodecSyntax, cerr.Kind)
}

func TestDecodeJSONSingleObjectAndMeta(t *testing.T) {
	m := Mapping{
		Record: "result.clusterCapacity",
		Fields: []Field{{Target: "capacity_bytes", Source: "maxUsedSpace", Kind: Int}},
		Meta:   []Field{{Target: "id", Source: "id"}},
	}
	doc, err := Decode([]byte(`{"id":7,"result":{"clusterCapacity":{"maxUsedSpace":10}}}`), JSON, m)
	require.NoError(t, err)
	require.Len(t, doc.Records, 1)
	assert.Equal(t, int64(10), doc.Records[0].Int("capacity_bytes"))
	assert.Equal(t, "7", doc.Meta.String("id"))
}

func TestDecodeJSONAbsentRecordPath(t *testing.T) {
	doc, err := Decode([]byte(`{"total":0}`), JSON, Mapping{Record: "members"})
	require.NoError(t, err)
	assert.Empty(t, doc.Records)
}

func TestLatencyUnits(t *testing.T) {
	m := Mapping{Fields: []Field{
		{Target: "read_latency", Source: "usec_per_read_op", Kind: Float, Unit: Microseconds},
		{Target: "write_latency", Source: "ms", Kind: Float, Unit: Milliseconds},
	}}
	doc, err := Decode([]byte(`[{"usec_per_read_op":250,"ms":"1.5"}]`), JSON, m)
	require.NoError(t, err)
	assert.InDelta(t, 0.00025, doc.Records[0].Float("read_latency"), 1e-12)
	assert.InDelta(t, 0.0015, doc.Records[0].Float("write_latency"), 1e-12)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	records := []Fields{
		{"id": "101", "name": "vol-a", "capacity_bytes": int64(3 << 20), "pool": "pool0", "state": "ok"},
		{"id": "102", "name": "vol-b", "capacity_bytes": int64(1 << 20)},
	}

	cases := []struct {
		name  string
		shape Shape
		m     Mapping
		meta  Fields
	}{
		{name: "xml", shape: XML, m: volumeXML, meta: Fields{"cursor": "c9"}},
		{
			name:  "json",
			shape: JSON,
			m: Mapping{
				Record: "data.volumes",
				Fields: []Field{
					{Target: "id", Source: "id"},
					{Target: "name", Source: "name"},
					{Target: "capacity_bytes", Source: "space.sizeMiB", Kind: Int, Unit: MiB},
					{Target: "pool", Source: "pool"},
					{Target: "state", Source: "state"},
				},
				Meta: []Field{{Target: "cursor", Source: "next.token"}},
			},
			meta: Fields{"cursor": "c9"},
		},
		{
			name:  "csv",
			shape: CSV,
			m: Mapping{Fields: []Field{
				{Target: "id", Source: "ID"},
				{Target: "name", Source: "Name"},
				{Target: "capacity_bytes", Source: "Size(MB)", Kind: Int, Unit: MiB},
				{Target: "pool", Source: "Pool"},
				{Target: "state", Source: "State"},
			}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.shape, tc.m, records, tc.meta)
			require.NoError(t, err)

			doc, err := Decode(data, tc.shape, tc.m)
			require.NoError(t, err)
			require.Len(t, doc.Records, len(records))

			for i, want := range records {
				for k, v := range want {
					assert.Equal(t, v, doc.Records[i][k], "record %d field %s", i, k)
				}
			}
			if tc.meta != nil {
				assert.Equal(t, "c9", doc.Meta.String("cursor"))
			}
		})
	}
}

func TestShapeFromContentType(t *testing.T) {
	s, ok := ShapeFromContentType("application/xml; charset=utf-8")
	assert.True(t, ok)
	assert.Equal(t, XML, s)

	s, ok = ShapeFromContentType("text/csv")
	assert.True(t, ok)
	assert.Equal(t, CSV, s)

	_, ok = ShapeFromContentType("text/plain")
	assert.False(t, ok)
}
