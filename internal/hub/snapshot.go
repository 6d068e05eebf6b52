package hub

import (
	"gopkg.in/vmihailenco/msgpack.v2"
)

// SnapshotRecord is a point-in-time, msgpack-encodable view of a Hub's
// subscription state. It has no wire-protocol role; it exists purely for
// tests and operator introspection, and is the sole consumer of the
// msgpack dependency.
type SnapshotRecord struct {
	LocalTopics  []string       `msgpack:"local_topics"`
	RemoteTopics map[string]int `msgpack:"remote_topics"`
	HasUplink    bool           `msgpack:"has_uplink"`
}

// Encode msgpack-encodes the snapshot, for callers that want a stable,
// structured form (e.g. writing it to a debug log or a test fixture).
func (s SnapshotRecord) Encode() ([]byte, error) {
	return msgpack.Marshal(s)
}

// DecodeSnapshot is the inverse of Encode.
func DecodeSnapshot(b []byte) (SnapshotRecord, error) {
	var s SnapshotRecord
	err := msgpack.Unmarshal(b, &s)
	return s, err
}

// Snapshot copies the current subscription state out under the
// subscription lock (a short critical section, per the locking discipline
// used throughout this package) and returns it as a plain value.
func (h *Hub) Snapshot() SnapshotRecord {
	h.subsMu.Lock()
	h.pruneExpiredLocked()

	local := make([]string, 0, len(h.localSubs))
	for topic := range h.localSubs {
		local = append(local, topic)
	}
	remote := make(map[string]int, len(h.remoteSubs))
	for topic, entries := range h.remoteSubs {
		remote[topic] = len(entries)
	}
	h.subsMu.Unlock()

	return SnapshotRecord{
		LocalTopics:  local,
		RemoteTopics: remote,
		HasUplink:    h.uplink.Load() != nil,
	}
}
