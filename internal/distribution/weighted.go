package distribution

import "go.mongodb.org/mongo-driver/bson"

// weighted assigns blocks to servers proportionally to per-server integer
// weights. A server with weight 0 receives no blocks.
type weighted struct {
	serverCount uint32
	blockSize   uint64
	weights     []uint64

	remaining uint64
	offset    uint64
}

func newWeighted(serverCount uint32) *weighted {
	weights := make([]uint64, serverCount)
	for i := range weights {
		weights[i] = 1
	}

	return &weighted{
		serverCount: serverCount,
		blockSize:   StripeSize,
		weights:     weights,
	}
}

func (d *weighted) Type() Type {
	return Weighted
}

func (d *weighted) Set(key string, value uint64) {
	if key == "block-size" {
		d.blockSize = clampBlockSize(value)
	}
}

func (d *weighted) Set2(key string, value1, value2 uint64) {
	if key == "weight" && value1 < uint64(d.serverCount) {
		d.weights[value1] = value2
	}
}

func (d *weighted) Reset(length, offset uint64) {
	d.remaining = length
	d.offset = offset
}

func (d *weighted) weightSum() uint64 {
	var sum uint64
	for _, w := range d.weights {
		sum += w
	}
	return sum
}

// serverForBlock walks the cumulative weights; block slots cycle through
// the weight sum, so a server owns a share of blocks proportional to its
// weight. Lower indices win the earlier slots.
func (d *weighted) serverForBlock(blockID uint64) uint32 {
	sum := d.weightSum()
	if sum == 0 {
		return 0
	}

	slot := blockID % sum
	for i, w := range d.weights {
		if slot < w {
			return uint32(i)
		}
		slot -= w
	}

	return 0
}

func (d *weighted) Distribute() (Stride, bool) {
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
		Index:   d.serverForBlock(blockID),
		Length:  length,
		Offset:  d.offset,
		BlockID: blockID,
	}

	d.offset += length
	d.remaining -= length

	return stride, true
}

type weightedDoc struct {
	Type      Type     `bson:"type"`
	BlockSize uint64   `bson:"block_size"`
	Weights   []uint64 `bson:"weights"`
}

func (d *weighted) document() any {
	return weightedDoc{
		Type:      Weighted,
		BlockSize: d.blockSize,
		Weights:   d.weights,
	}
}

func (d *weighted) parse(data []byte) error {
	var doc weightedDoc

	if err := bson.Unmarshal(data, &doc); err != nil {
		return err
	}

	d.blockSize = clampBlockSize(doc.BlockSize)
	if len(doc.Weights) == int(d.serverCount) {
		d.weights = doc.Weights
	}

	return nil
}
