package membership

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/sirupsen/logrus"

	"github.com/heitortanoue/plotrepl/pkg/plot"
)

// swimEvents logs memberlist membership changes
type swimEvents struct {
	local string
	log   *logrus.Entry
}

// NotifyJoin is invoked when a node joins the cluster
func (e *swimEvents) NotifyJoin(n *memberlist.Node) {
	if n.Name == e.local {
		return
	}
	e.log.WithFields(logrus.Fields{"peer": n.Name, "addr": n.Address()}).Info("SWIM_JOIN")
}

// NotifyLeave is invoked when a node leaves or is declared dead
func (e *swimEvents) NotifyLeave(n *memberlist.Node) {
	e.log.WithField("peer", n.Name).Info("SWIM_LEAVE")
}

// NotifyUpdate is invoked when a node's metadata changes
func (e *swimEvents) NotifyUpdate(n *memberlist.Node) {
	e.log.WithField("peer", n.Name).Debug("SWIM_UPDATE")
}

// metaDelegate publishes this node's metadata. Nothing else is gossiped.
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// SwimConfig configures a SWIM roster
type SwimConfig struct {
	Name     string      // unique member name, e.g. "ds1"
	NodeID   plot.NodeID // id stamped on this node's plots
	Priority int         // lower leads
	BindAddr string
	BindPort int // SWIM port, 0 picks a free one
	APIPort  int // replication HTTP port advertised to peers
	Seeds    []string
	Logger   *logrus.Entry
}

// SwimRoster tracks live peers with memberlist and orders them by priority
type SwimRoster struct {
	ml    *memberlist.Memberlist
	name  string
	log   *logrus.Entry
	logWr io.Closer
}

// NewSwimRoster starts memberlist and joins the configured seeds. A failed
// join is logged and the roster starts alone.
func NewSwimRoster(config SwimConfig) (*SwimRoster, error) {
	log := config.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "swim")

	meta, err := encodeMeta(nodeMeta{
		NodeID:   config.NodeID,
		APIPort:  config.APIPort,
		Priority: config.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode node metadata: %w", err)
	}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = config.Name
	cfg.BindAddr = config.BindAddr
	cfg.BindPort = config.BindPort
	cfg.AdvertisePort = config.BindPort
	cfg.Delegate = &metaDelegate{meta: meta}
	cfg.Events = &swimEvents{local: config.Name, log: log}

	cfg.PushPullInterval = 30 * time.Second
	cfg.ProbeTimeout = time.Second
	cfg.ProbeInterval = 5 * time.Second

	logWr := log.WriterLevel(logrus.DebugLevel)
	cfg.LogOutput = logWr

	ml, err := memberlist.Create(cfg)
	if err != nil {
		logWr.Close()
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}

	roster := &SwimRoster{
		ml:    ml,
		name:  config.Name,
		log:   log,
		logWr: logWr,
	}

	seeds := make([]string, 0, len(config.Seeds))
	for _, seed := range config.Seeds {
		if seed != "" {
			seeds = append(seeds, seed)
		}
	}
	if len(seeds) > 0 {
		joined, err := ml.Join(seeds)
		if err != nil {
			log.WithError(err).WithField("seeds", seeds).Warn("failed to join seeds")
		} else {
			log.WithField("joined", joined).Info("joined cluster")
		}
	}

	return roster, nil
}

// Members returns live members whose metadata decodes, this node included
func (r *SwimRoster) Members() []Member {
	nodes := r.ml.Members()
	members := make([]Member, 0, len(nodes))

	for _, n := range nodes {
		meta, err := decodeMeta(n.Meta)
		if err != nil {
			r.log.WithError(err).WithField("peer", n.Name).Debug("skipping member")
			continue
		}
		members = append(members, Member{
			Name:     n.Name,
			NodeID:   meta.NodeID,
			Priority: meta.Priority,
			Host:     n.Addr.String(),
			APIPort:  meta.APIPort,
			Local:    n.Name == r.name,
		})
	}

	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members
}

// LeaderOrder returns live node ids by (priority, name)
func (r *SwimRoster) LeaderOrder() []plot.NodeID {
	return PriorityOrder(r.Members())
}

// LocalName returns this node's member name
func (r *SwimRoster) LocalName() string {
	return r.name
}

// LocalAddr returns the SWIM address this node listens on
func (r *SwimRoster) LocalAddr() string {
	return r.ml.LocalNode().Address()
}

// Join adds seed addresses after startup
func (r *SwimRoster) Join(addrs ...string) (int, error) {
	joined, err := r.ml.Join(addrs)
	if err != nil {
		return joined, fmt.Errorf("failed to join %v: %w", addrs, err)
	}
	return joined, nil
}

// Leave announces departure to the cluster
func (r *SwimRoster) Leave(timeout time.Duration) error {
	if err := r.ml.Leave(timeout); err != nil {
		return fmt.Errorf("failed to leave cluster: %w", err)
	}
	return nil
}

// Shutdown stops memberlist without announcing
func (r *SwimRoster) Shutdown() error {
	defer r.logWr.Close()
	if err := r.ml.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down memberlist: %w", err)
	}
	return nil
}

// GetStats returns roster statistics
func (r *SwimRoster) GetStats() map[string]interface{} {
	members := r.Members()
	order := PriorityOrder(members)

	stats := map[string]interface{}{
		"mode":          "swim",
		"local":         r.name,
		"local_addr":    r.LocalAddr(),
		"total_members": r.ml.NumMembers(),
		"live_members":  len(members),
	}
	if len(order) > 0 {
		stats["leader_node"] = order[0]
	}
	return stats
}
