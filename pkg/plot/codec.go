package plot

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RecordSize is the encoded size of one plot on the wire
const RecordSize = 4 + 4 + 8 + 8 + 8

// ByteOrder used for every field of the wire format
var ByteOrder = binary.LittleEndian

// Codec converts single records to and from the fixed wire layout:
//
//	drone_id u32 | node_id u32 | timestamp i64 | latitude f64 | longitude f64
//
// Flags and the applied offset are local state and never travel.
type Codec struct{}

// Size returns the fixed record size
func (Codec) Size() int {
	return RecordSize
}

// Append encodes r onto the end of buf
func (Codec) Append(buf []byte, r *Record) []byte {
	buf = ByteOrder.AppendUint32(buf, uint32(r.DroneID))
	buf = ByteOrder.AppendUint32(buf, uint32(r.NodeID))
	buf = ByteOrder.AppendUint64(buf, uint64(r.Timestamp))
	buf = ByteOrder.AppendUint64(buf, math.Float64bits(r.Latitude))
	buf = ByteOrder.AppendUint64(buf, math.Float64bits(r.Longitude))
	return buf
}

// Encode returns the encoded form of r
func (c Codec) Encode(r *Record) []byte {
	return c.Append(make([]byte, 0, RecordSize), r)
}

// Decode reads one record from the first RecordSize bytes of data
func (Codec) Decode(data []byte) (Record, error) {
	if len(data) < RecordSize {
		return Record{}, fmt.Errorf("plot record needs %d bytes, got %d", RecordSize, len(data))
	}

	return Record{
		DroneID:   DroneID(ByteOrder.Uint32(data[0:4])),
		NodeID:    NodeID(ByteOrder.Uint32(data[4:8])),
		Timestamp: int64(ByteOrder.Uint64(data[8:16])),
		Latitude:  math.Float64frombits(ByteOrder.Uint64(data[16:24])),
		Longitude: math.Float64frombits(ByteOrder.Uint64(data[24:32])),
	}, nil
}
