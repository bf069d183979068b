// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package storagedef

import "time"

// Canonical field names produced by adapter mappings. Byte quantities are
// normalized to bytes and durations to seconds before they reach a record.
const (
	FieldID            = "id"
	FieldName          = "name"
	FieldPool          = "pool"
	FieldState         = "state"
	FieldWWN           = "wwn"
	FieldModel         = "model"
	FieldSerial        = "serial"
	FieldFirmware      = "firmware"
	FieldCapacityBytes = "capacity_bytes"
	FieldUsedBytes     = "used_bytes"
	FieldFreeBytes     = "free_bytes"
	FieldUptimeSeconds = "uptime_seconds"
)

// Units carried by MetricSample.
const (
	UnitBytes          = "bytes"
	UnitSeconds        = "seconds"
	UnitOpsPerSecond   = "ops_per_second"
	UnitBytesPerSecond = "bytes_per_second"
	UnitRatio          = "ratio"
	UnitCount          = "count"
)

// Record is implemented by every common model type.
type Record interface {
	// RecordID identifies the record within one result set
	RecordID() string
}

// Volume is a vendor-neutral volume (LUN, LDEV, FlexVol, ...).
type Volume struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Pool          string     `json:"pool,omitempty"`
	CapacityBytes int64      `json:"capacity_bytes"`
	UsedBytes     int64      `json:"used_bytes"`
	FreeBytes     int64      `json:"free_bytes"`
	State         string     `json:"state,omitempty"`
	WWN           string     `json:"wwn,omitempty"`
	Array         string     `json:"array,omitempty"`
	SourceVendor  VendorType `json:"source_vendor"`
}

func (v Volume) RecordID() string { return firstNonEmpty(v.ID, v.Name) }

// Pool is a vendor-neutral capacity container (pool, CPG, aggregate, ...).
type Pool struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	CapacityBytes int64      `json:"capacity_bytes"`
	UsedBytes     int64      `json:"used_bytes"`
	FreeBytes     int64      `json:"free_bytes"`
	State         string     `json:"state,omitempty"`
	Array         string     `json:"array,omitempty"`
	SourceVendor  VendorType `json:"source_vendor"`
}

func (p Pool) RecordID() string { return firstNonEmpty(p.ID, p.Name) }

// Node is a controller, appliance or data mover.
type Node struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Model         string     `json:"model,omitempty"`
	Serial        string     `json:"serial,omitempty"`
	Firmware      string     `json:"firmware,omitempty"`
	State         string     `json:"state,omitempty"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Array         string     `json:"array,omitempty"`
	SourceVendor  VendorType `json:"source_vendor"`
}

func (n Node) RecordID() string { return firstNonEmpty(n.ID, n.Name) }

// MetricSample is one normalized performance reading.
type MetricSample struct {
	EntityKind   string     `json:"entity_kind"`
	Entity       string     `json:"entity"`
	Name         string     `json:"name"`
	Unit         string     `json:"unit"`
	Value        float64    `json:"value"`
	Timestamp    time.Time  `json:"timestamp"`
	Array        string     `json:"array,omitempty"`
	SourceVendor VendorType `json:"source_vendor"`
}

func (m MetricSample) RecordID() string { return m.EntityKind + "/" + m.Entity + "/" + m.Name }

// PagedResult accumulates items across pages. Cursor is empty once the
// result set is complete.
type PagedResult[T Record] struct {
	Items  []T
	Cursor string
}

// FieldSource is the read side of a decoded record.
type FieldSource interface {
	Has(name string) bool
	String(name string) string
	Int(name string) int64
}

// NewVolume builds a Volume from canonical fields. A missing used or free
// quantity is derived from the other two.
func NewVolume(f FieldSource, vendor VendorType, array string) Volume {
	v := Volume{
		ID:            f.String(FieldID),
		Name:          f.String(FieldName),
		Pool:          f.String(FieldPool),
		State:         f.String(FieldState),
		WWN:           f.String(FieldWWN),
		Array:         array,
		SourceVendor:  vendor,
		CapacityBytes: f.Int(FieldCapacityBytes),
		UsedBytes:     f.Int(FieldUsedBytes),
		FreeBytes:     f.Int(FieldFreeBytes),
	}
	v.UsedBytes, v.FreeBytes = completeCapacity(f, v.CapacityBytes, v.UsedBytes, v.FreeBytes)
	if v.ID == "" {
		v.ID = v.Name
	}
	return v
}

// NewPool builds a Pool from canonical fields.
func NewPool(f FieldSource, vendor VendorType, array string) Pool {
	p := Pool{
		ID:            f.String(FieldID),
		Name:          f.String(FieldName),
		State:         f.String(FieldState),
		Array:         array,
		SourceVendor:  vendor,
		CapacityBytes: f.Int(FieldCapacityBytes),
		UsedBytes:     f.Int(FieldUsedBytes),
		FreeBytes:     f.Int(FieldFreeBytes),
	}
	p.UsedBytes, p.FreeBytes = completeCapacity(f, p.CapacityBytes, p.UsedBytes, p.FreeBytes)
	if p.ID == "" {
		p.ID = p.Name
	}
	return p
}

// NewNode builds a Node from canonical fields.
func NewNode(f FieldSource, vendor VendorType, array string) Node {
	n := Node{
		ID:            f.String(FieldID),
		Name:          f.String(FieldName),
		Model:         f.String(FieldModel),
		Serial:        f.String(FieldSerial),
		Firmware:      f.String(FieldFirmware),
		State:         f.String(FieldState),
		UptimeSeconds: f.Int(FieldUptimeSeconds),
		Array:         array,
		SourceVendor:  vendor,
	}
	if n.ID == "" {
		n.ID = n.Name
	}
	return n
}

func completeCapacity(f FieldSource, capacity, used, free int64) (int64, int64) {
	hasUsed, hasFree := f.Has(FieldUsedBytes), f.Has(FieldFreeBytes)
	switch {
	case hasUsed && !hasFree && capacity >= used:
		free = capacity - used
	case hasFree && !hasUsed && capacity >= free:
		used = capacity - free
	}
	return used, free
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
