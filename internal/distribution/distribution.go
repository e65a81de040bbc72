// Package distribution partitions an object's byte range across the object
// servers. A distribution is an iterator: Reset scopes it to a byte range,
// Distribute yields one stride per call until the range is covered.
package distribution

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// StripeSize caps the block size of every distribution at 4 MiB.
const StripeSize = 4 << 20

// Type selects the distribution variant. The values are stored in
// serialized documents and must not be reordered.
type Type int32

const (
	RoundRobin Type = iota
	SingleServer
	Weighted
)

// Stride is one contiguous piece of a distributed byte range.
type Stride struct {
	// Index is the object server the piece lives on.
	Index uint32

	// Length and Offset locate the piece in the object's logical byte
	// space.
	Length uint64
	Offset uint64

	// BlockID is the block the piece falls into.
	BlockID uint64
}

// Distribution is one of the variant implementations. Implementations are
// not safe for concurrent use; a distribution lives as long as the
// read/write it scopes.
type Distribution interface {
	// Type returns the variant tag.
	Type() Type

	// Set sets a variant-specific parameter ("block-size", "start-index",
	// "index"). Unknown keys are ignored.
	Set(key string, value uint64)

	// Set2 sets a two-valued parameter ("weight": server index, weight).
	Set2(key string, value1, value2 uint64)

	// Reset initializes the iterator for the given byte range.
	Reset(length, offset uint64)

	// Distribute yields the next stride. ok is false when the range is
	// exhausted.
	Distribute() (stride Stride, ok bool)

	document() any
	parse(data []byte) error
}

// New creates a distribution of the given variant for a cluster of
// serverCount object servers.
func New(t Type, serverCount uint32) (Distribution, error) {
	switch t {
	case RoundRobin:
		return newRoundRobin(serverCount), nil
	case SingleServer:
		return newSingleServer(serverCount), nil
	case Weighted:
		return newWeighted(serverCount), nil
	}
	return nil, fmt.Errorf("distribution: unknown type %d", t)
}

// Marshal serializes a distribution to a BSON document. The document's
// "type" field selects the deserializer.
func Marshal(d Distribution) ([]byte, error) {
	return bson.Marshal(d.document())
}

// Unmarshal reconstructs a distribution from a BSON document.
func Unmarshal(data []byte, serverCount uint32) (Distribution, error) {
	var head struct {
		Type Type `bson:"type"`
	}

	if err := bson.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("distribution: unmarshal: %w", err)
	}

	d, err := New(head.Type, serverCount)
	if err != nil {
		return nil, err
	}

	if err := d.parse(data); err != nil {
		return nil, err
	}

	return d, nil
}

func clampBlockSize(v uint64) uint64 {
	if v == 0 || v > StripeSize {
		return StripeSize
	}
	return v
}
