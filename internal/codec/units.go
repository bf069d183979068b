// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"math"
)

// Unit converts a vendor quantity into base units: value*mul/div.
type Unit struct {
	name string
	mul  int64
	div  int64
}

var (
	None         = Unit{}
	Bytes        = Unit{name: "bytes", mul: 1, div: 1}
	KiB          = Unit{name: "KiB", mul: 1 << 10, div: 1}
	MiB          = Unit{name: "MiB", mul: 1 << 20, div: 1}
	GiB          = Unit{name: "GiB", mul: 1 << 30, div: 1}
	TiB          = Unit{name: "TiB", mul: 1 << 40, div: 1}
	Blocks512    = Unit{name: "blocks512", mul: 512, div: 1}
	Seconds      = Unit{name: "s", mul: 1, div: 1}
	Milliseconds = Unit{name: "ms", mul: 1, div: 1_000}
	Microseconds = Unit{name: "us", mul: 1, div: 1_000_000}
	Percent      = Unit{name: "percent", mul: 1, div: 100}
)

func (u Unit) String() string {
	if u.name == "" {
		return "none"
	}
	return u.name
}

func (u Unit) factors() (int64, int64) {
	mul, div := u.mul, u.div
	if mul == 0 {
		mul = 1
	}
	if div == 0 {
		div = 1
	}
	return mul, div
}

// toBaseInt fails rather than wrapping when v*mul does not fit in int64.
func (u Unit) toBaseInt(v int64) (int64, error) {
	mul, div := u.factors()
	if v > math.MaxInt64/mul || v < math.MinInt64/mul {
		return 0, fmt.Errorf("%d %s overflows int64", v, u)
	}
	return v * mul / div, nil
}

func (u Unit) fromBaseInt(v int64) int64 {
	mul, div := u.factors()
	return v * div / mul
}

func (u Unit) toBaseFloat(v float64) float64 {
	mul, div := u.factors()
	return v * float64(mul) / float64(div)
}

func (u Unit) fromBaseFloat(v float64) float64 {
	mul, div := u.factors()
	return v * float64(div) / float64(mul)
}
