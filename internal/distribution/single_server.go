package distribution

import "go.mongodb.org/mongo-driver/bson"

// singleServer places every block on one chosen server. Strides are still
// emitted per block so callers see uniform block ids.
type singleServer struct {
	serverCount uint32
	blockSize   uint64
	index       uint32

	remaining uint64
	offset    uint64
}

func newSingleServer(serverCount uint32) *singleServer {
	return &singleServer{
		serverCount: serverCount,
		blockSize:   StripeSize,
	}
}

func (d *singleServer) Type() Type {
	return SingleServer
}

func (d *singleServer) Set(key string, value uint64) {
	switch key {
	case "block-size":
		d.blockSize = clampBlockSize(value)
	case "index":
		if value < uint64(d.serverCount) {
			d.index = uint32(value)
		}
	}
}

func (d *singleServer) Set2(string, uint64, uint64) {}

func (d *singleServer) Reset(length, offset uint64) {
	d.remaining = length
	d.offset = offset
}

func (d *singleServer) Distribute() (Stride, bool) {
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
		Index:   d.index,
		Length:  length,
		Offset:  d.offset,
		BlockID: blockID,
	}

	d.offset += length
	d.remaining -= length

	return stride, true
}

type singleServerDoc struct {
	Type      Type   `bson:"type"`
	BlockSize uint64 `bson:"block_size"`
	Index     uint32 `bson:"index"`
}

func (d *singleServer) document() any {
	return singleServerDoc{
		Type:      SingleServer,
		BlockSize: d.blockSize,
		Index:     d.index,
	}
}

func (d *singleServer) parse(data []byte) error {
	var doc singleServerDoc

	if err := bson.Unmarshal(data, &doc); err != nil {
		return err
	}

	d.blockSize = clampBlockSize(doc.BlockSize)
	if doc.Index < d.serverCount {
		d.index = doc.Index
	}

	return nil
}
