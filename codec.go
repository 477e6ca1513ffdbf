package vaultfs

import (
	"github.com/fxamacker/cbor/v2"
)

// encOptions produce one encoding per value, so the header MAC and the
// listing compare-and-swap can work on raw bytes.
var encOptions = cbor.EncOptions{
	Sort:          cbor.SortCanonical,
	ShortestFloat: cbor.ShortestFloatNone,
	IndefLength:   cbor.IndefLengthForbidden,
}

var em, _ = encOptions.EncMode()

// decOptions bound what a decoded header or listing may allocate
var decOptions = cbor.DecOptions{
	MaxArrayElements: 1 << 20,
	MaxMapPairs:      1024,
	MaxNestedLevels:  16,
	IndefLength:      cbor.IndefLengthForbidden,
	DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	BignumTag:        cbor.BignumTagForbidden,
}

var dm, _ = decOptions.DecMode()
