package replication

import (
	"fmt"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// FrameHeaderSize is the size of the leading record count
const FrameHeaderSize = 4

// EncodeFrame builds a broadcast frame: a u32 record count followed by the
// encoded records with no padding. Records travel with their raw timestamp
// so a forwarded plot is never corrected twice.
func EncodeFrame(records []*plot.Record) ([]byte, error) {
	var codec plot.Codec

	frame := make([]byte, FrameHeaderSize, FrameHeaderSize+len(records)*codec.Size())
	for _, rec := range records {
		wire := *rec
		wire.Timestamp = rec.Raw()
		frame = codec.Append(frame, &wire)
	}

	body := len(frame) - FrameHeaderSize
	if body%codec.Size() != 0 {
		return nil, &EncodingInvariantError{Length: body, RecordSize: codec.Size()}
	}

	plot.ByteOrder.PutUint32(frame[:FrameHeaderSize], uint32(len(records)))
	return frame, nil
}

// DecodeFrame validates a peer frame and decodes its records
func DecodeFrame(peer string, payload []byte) ([]plot.Record, error) {
	var codec plot.Codec

	if len(payload) < FrameHeaderSize {
		return nil, &MalformedPayloadError{
			Peer:   peer,
			Length: len(payload),
			Reason: fmt.Sprintf("shorter than the %d-byte count header", FrameHeaderSize),
		}
	}

	body := len(payload) - FrameHeaderSize
	if body%codec.Size() != 0 {
		return nil, &MalformedPayloadError{
			Peer:   peer,
			Length: len(payload),
			Reason: fmt.Sprintf("body is not a multiple of the %d-byte record size", codec.Size()),
		}
	}

	declared := int(plot.ByteOrder.Uint32(payload[:FrameHeaderSize]))
	carried := body / codec.Size()
	if declared != carried {
		return nil, &MalformedPayloadError{
			Peer:   peer,
			Length: len(payload),
			Reason: fmt.Sprintf("declares %d records but carries %d", declared, carried),
		}
	}

	records := make([]plot.Record, 0, declared)
	for off := FrameHeaderSize; off < len(payload); off += codec.Size() {
		rec, err := codec.Decode(payload[off : off+codec.Size()])
		if err != nil {
			return nil, &MalformedPayloadError{Peer: peer, Length: len(payload), Reason: err.Error()}
		}
		records = append(records, rec)
	}

	return records, nil
}

// BroadcastNewPlots encodes every record flagged NEW into one frame, clears
// the flag and hands the frame to the transport. Nothing is sent when no
// record is new. It returns the number of plots framed.
func (e *Engine) BroadcastNewPlots() (int, error) {
	var (
		frame   []byte
		count   int
		encErr  error
		pending []*plot.Record
	)

	e.store.Scan(func(records []*plot.Record) {
		for _, rec := range records {
			if rec.IsSet(plot.FlagNew) {
				pending = append(pending, rec)
			}
		}
		if len(pending) == 0 {
			return
		}

		frame, encErr = EncodeFrame(pending)
		if encErr != nil {
			return
		}
		for _, rec := range pending {
			rec.Clear(plot.FlagNew)
		}
		count = len(pending)
	})

	if encErr != nil {
		return 0, encErr
	}
	if count == 0 {
		return 0, nil
	}

	e.logger.LogBroadcast(count, len(frame))
	e.metrics.IncrCounter([]string{"replication", "plots_sent"}, float32(count))
	e.stats.add(func(s *counters) {
		s.broadcasts++
		s.plotsSent += int64(count)
	})

	if err := e.transport.Broadcast(e.halt, frame); err != nil {
		return count, err
	}
	return count, nil
}

// IngestPayload merges a frame received from a peer into the store. A
// malformed frame is rejected whole and leaves the store untouched.
func (e *Engine) IngestPayload(peer string, payload []byte) (int, error) {
	records, err := DecodeFrame(peer, payload)
	if err != nil {
		e.stats.add(func(s *counters) { s.malformed++ })
		e.metrics.IncrCounter([]string{"replication", "malformed"}, 1)
		return 0, err
	}

	for _, rec := range records {
		e.store.Insert(rec.DroneID, rec.NodeID, rec.Timestamp, rec.Latitude, rec.Longitude)
	}

	e.logger.LogIngest(peer, len(records))
	e.metrics.IncrCounter([]string{"replication", "plots_ingested"}, float32(len(records)))
	e.stats.add(func(s *counters) { s.plotsIngested += int64(len(records)) })
	return len(records), nil
}
