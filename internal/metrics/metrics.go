package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type DeltaHeader struct {
	At         time.Time `json:"at"`
	Joined     int       `json:"joined"`
	Left       int       `json:"left"`
	Recipients int       `json:"recipients"`
	Failed     int       `json:"failed"`
	Elapsed    string    `json:"elapsed"`
}

type Snapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Presence    PresenceMetrics `json:"presence"`
	Broadcast   BroadcastStats  `json:"broadcast"`
	Routing     RoutingMetrics  `json:"routing"`
	Conns       ConnMetrics     `json:"conns"`
	Recent      []DeltaHeader   `json:"recent"`
}

type PresenceMetrics struct {
	Online       uint64 `json:"online"`
	Joins        uint64 `json:"joins"`
	Leaves       uint64 `json:"leaves"`
	Supersedes   uint64 `json:"supersedes"`
	AddRejected  uint64 `json:"add_rejected"`
	SnapshotSent uint64 `json:"snapshot_sent"`
}

type BroadcastStats struct {
	Deltas     uint64 `json:"deltas"`
	Sent       uint64 `json:"sent"`
	SendFailed uint64 `json:"send_failed"`
}

type RoutingMetrics struct {
	Delivered         uint64            `json:"delivered"`
	Offline           uint64            `json:"offline"`
	Rejected          uint64            `json:"rejected"`
	RejectedByReason  map[string]uint64 `json:"rejected_by_reason"`
	Queued            uint64            `json:"queued"`
	Deferred          uint64            `json:"deferred"`
	QueueDropped      uint64            `json:"queue_dropped"`
	Flushed           uint64            `json:"flushed"`
	DuplicateSuppress uint64            `json:"duplicate_suppressed"`
}

type ConnMetrics struct {
	Accepted        uint64 `json:"accepted"`
	HandshakeFailed uint64 `json:"handshake_failed"`
	LimitRejected   uint64 `json:"limit_rejected"`
	Current         uint64 `json:"current"`
}

type Metrics struct {
	online            atomic.Uint64
	joins             atomic.Uint64
	leaves            atomic.Uint64
	supersedes        atomic.Uint64
	addRejected       atomic.Uint64
	snapshotSent      atomic.Uint64
	deltas            atomic.Uint64
	deltaSent         atomic.Uint64
	deltaSendFailed   atomic.Uint64
	delivered         atomic.Uint64
	offline           atomic.Uint64
	rejected          atomic.Uint64
	queued            atomic.Uint64
	deferred          atomic.Uint64
	queueDropped      atomic.Uint64
	flushed           atomic.Uint64
	duplicate         atomic.Uint64
	connAccepted      atomic.Uint64
	handshakeFailed   atomic.Uint64
	limitRejected     atomic.Uint64
	currentConns      atomic.Int64
	reasonMu          sync.Mutex
	rejectedByReason  map[string]uint64
	recent            *DeltaRecent
}

func New() *Metrics {
	return &Metrics{
		rejectedByReason: make(map[string]uint64),
		recent:           NewDeltaRecent(64),
	}
}

func (m *Metrics) Recent() *DeltaRecent {
	return m.recent
}

func (m *Metrics) SetOnline(n int) {
	if n < 0 {
		n = 0
	}
	m.online.Store(uint64(n))
}

func (m *Metrics) IncJoin()         { m.joins.Add(1) }
func (m *Metrics) IncLeave()        { m.leaves.Add(1) }
func (m *Metrics) IncSupersede()    { m.supersedes.Add(1) }
func (m *Metrics) IncAddRejected()  { m.addRejected.Add(1) }
func (m *Metrics) IncSnapshotSent() { m.snapshotSent.Add(1) }
func (m *Metrics) IncDelivered()    { m.delivered.Add(1) }
func (m *Metrics) IncOffline()      { m.offline.Add(1) }
func (m *Metrics) IncQueued()       { m.queued.Add(1) }
func (m *Metrics) IncDeferred()     { m.deferred.Add(1) }
func (m *Metrics) IncQueueDropped() { m.queueDropped.Add(1) }
func (m *Metrics) IncFlushed()      { m.flushed.Add(1) }
func (m *Metrics) IncDuplicate()    { m.duplicate.Add(1) }
func (m *Metrics) IncAccepted()     { m.connAccepted.Add(1) }

func (m *Metrics) IncHandshakeFail() { m.handshakeFailed.Add(1) }
func (m *Metrics) IncLimitRejected() { m.limitRejected.Add(1) }

func (m *Metrics) ConnOpened() { m.currentConns.Add(1) }
func (m *Metrics) ConnClosed() { m.currentConns.Add(-1) }

func (m *Metrics) IncRejected(reason string) {
	m.rejected.Add(1)
	m.reasonMu.Lock()
	m.rejectedByReason[reason]++
	m.reasonMu.Unlock()
}

// ObserveDelta records one broadcast fan-out.
func (m *Metrics) ObserveDelta(h DeltaHeader) {
	m.deltas.Add(1)
	m.deltaSent.Add(uint64(h.Recipients - h.Failed))
	m.deltaSendFailed.Add(uint64(h.Failed))
	m.recent.Add(h)
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []DeltaHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.reasonMu.Lock()
	byReason := make(map[string]uint64, len(m.rejectedByReason))
	for k, v := range m.rejectedByReason {
		byReason[k] = v
	}
	m.reasonMu.Unlock()
	current := m.currentConns.Load()
	if current < 0 {
		current = 0
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Presence: PresenceMetrics{
			Online:       m.online.Load(),
			Joins:        m.joins.Load(),
			Leaves:       m.leaves.Load(),
			Supersedes:   m.supersedes.Load(),
			AddRejected:  m.addRejected.Load(),
			SnapshotSent: m.snapshotSent.Load(),
		},
		Broadcast: BroadcastStats{
			Deltas:     m.deltas.Load(),
			Sent:       m.deltaSent.Load(),
			SendFailed: m.deltaSendFailed.Load(),
		},
		Routing: RoutingMetrics{
			Delivered:         m.delivered.Load(),
			Offline:           m.offline.Load(),
			Rejected:          m.rejected.Load(),
			RejectedByReason:  byReason,
			Queued:            m.queued.Load(),
			QueueDropped:      m.queueDropped.Load(),
			Flushed:           m.flushed.Load(),
			DuplicateSuppress: m.duplicate.Load(),
		},
		Conns: ConnMetrics{
			Accepted:        m.connAccepted.Load(),
			HandshakeFailed: m.handshakeFailed.Load(),
			LimitRejected:   m.limitRejected.Load(),
			Current:         uint64(current),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

type DeltaRecent struct {
	mu   sync.Mutex
	cap  int
	list []DeltaHeader
}

func NewDeltaRecent(capacity int) *DeltaRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &DeltaRecent{cap: capacity}
}

func (r *DeltaRecent) Add(h DeltaHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *DeltaRecent) List() []DeltaHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeltaHeader, len(r.list))
	copy(out, r.list)
	return out
}
