package plot

import "fmt"

// DroneID identifies an observed object
type DroneID uint32

// NodeID identifies the node that reported a plot
type NodeID uint32

// Flags holds the replication status bits of a record
type Flags uint8

const (
	FlagNew    Flags = 1 << iota // not yet broadcast
	FlagLeader                   // set only while a skew pass runs
	FlagSkewed                   // offset known but not applied
	FlagSynced                   // offset applied
)

// String renders the set bits, mostly for logs
func (f Flags) String() string {
	names := []struct {
		flag Flags
		name string
	}{
		{FlagNew, "NEW"},
		{FlagLeader, "LEADER"},
		{FlagSkewed, "SKEWED"},
		{FlagSynced, "SYNCED"},
	}

	out := ""
	for _, n := range names {
		if f&n.flag == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += n.name
	}
	if out == "" {
		return "-"
	}
	return out
}

// Record is a single timestamped position observation of a drone
type Record struct {
	DroneID   DroneID `json:"drone_id"`
	NodeID    NodeID  `json:"node_id"`
	Timestamp int64   `json:"timestamp"` // seconds, reporting node's clock after correction
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Flags     Flags   `json:"flags"`

	// Applied is the skew offset already folded into Timestamp
	Applied int64 `json:"applied"`

	seq uint64
}

// Seq is the store's insertion sequence number, zero outside a store.
// Earlier inserts have lower numbers.
func (r *Record) Seq() uint64 {
	return r.seq
}

// IsSet reports whether every bit in f is set
func (r *Record) IsSet(f Flags) bool {
	return r.Flags&f == f
}

// Set sets the given bits
func (r *Record) Set(f Flags) {
	r.Flags |= f
}

// Clear clears the given bits
func (r *Record) Clear(f Flags) {
	r.Flags &^= f
}

// Raw returns the timestamp as originally read on the reporting node
func (r *Record) Raw() int64 {
	return r.Timestamp - r.Applied
}

// Coincides reports whether both records plausibly describe the same
// physical event: same drone seen at the same position.
func (r *Record) Coincides(other *Record) bool {
	return r.DroneID == other.DroneID &&
		r.Latitude == other.Latitude &&
		r.Longitude == other.Longitude
}

func (r *Record) String() string {
	return fmt.Sprintf("drone=%d node=%d ts=%d pos=(%.6f,%.6f) flags=%s",
		r.DroneID, r.NodeID, r.Timestamp, r.Latitude, r.Longitude, r.Flags)
}
