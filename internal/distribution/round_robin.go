package distribution

import "go.mongodb.org/mongo-driver/bson"

// roundRobin stripes blocks across all servers in index order, starting at
// a configurable server.
type roundRobin struct {
	serverCount uint32
	blockSize   uint64
	startIndex  uint32

	remaining uint64
	offset    uint64
}

func newRoundRobin(serverCount uint32) *roundRobin {
	return &roundRobin{
		serverCount: serverCount,
		blockSize:   StripeSize,
	}
}

func (d *roundRobin) Type() Type {
	return RoundRobin
}

func (d *roundRobin) Set(key string, value uint64) {
	switch key {
	case "block-size":
		d.blockSize = clampBlockSize(value)
	case "start-index":
		if value < uint64(d.serverCount) {
			d.startIndex = uint32(value)
		}
	}
}

func (d *roundRobin) Set2(string, uint64, uint64) {}

func (d *roundRobin) Reset(length, offset uint64) {
	d.remaining = length
	d.offset = offset
}

func (d *roundRobin) Distribute() (Stride, bool) {
	if d.remaining == 0 {
		return Stride{}, false
	}

	blockID := d.offset / d.blockSize
	displacement := d.offset % d.blockSize

	length := d.blockSize - displacement
	if length > d.remaining {
		length = d.remaining
	}

	stride := Stride{
		Index:   (d.startIndex + uint32(blockID%uint64(d.serverCount))) % d.serverCount,
		Length:  length,
		Offset:  d.offset,
		BlockID: blockID,
	}

	d.offset += length
	d.remaining -= length

	return stride, true
}

type roundRobinDoc struct {
	Type       Type   `bson:"type"`
	BlockSize  uint64 `bson:"block_size"`
	StartIndex uint32 `bson:"start_index"`
}

func (d *roundRobin) document() any {
	return roundRobinDoc{
		Type:       RoundRobin,
		BlockSize:  d.blockSize,
		StartIndex: d.startIndex,
	}
}

func (d *roundRobin) parse(data []byte) error {
	var doc roundRobinDoc

	if err := bson.Unmarshal(data, &doc); err != nil {
		return err
	}

	d.blockSize = clampBlockSize(doc.BlockSize)
	if doc.StartIndex < d.serverCount {
		d.startIndex = doc.StartIndex
	}

	return nil
}
