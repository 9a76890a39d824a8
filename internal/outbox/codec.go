package outbox

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// snapshotVersion is bumped when the persisted layout changes.
const snapshotVersion = 1

// Snapshot is the persisted form of a Queue.
type Snapshot struct {
	Version      int                    `json:"version"`
	Items        []Item                 `json:"items"`
	Fingerprints map[string]Fingerprint `json:"fingerprints,omitempty"`
}

// Snapshot captures the queue for persistence.
func (q *Queue) Snapshot() Snapshot {
	fps := make(map[string]Fingerprint, len(q.fingerprints))
	for k, v := range q.fingerprints {
		fps[k] = v
	}
	return Snapshot{Version: snapshotVersion, Items: q.Items(), Fingerprints: fps}
}

// Restore replaces the queue contents with snap, keeping the current policy.
func (q *Queue) Restore(snap Snapshot) {
	q.items = make([]Item, 0, len(snap.Items))
	for _, it := range snap.Items {
		q.Enqueue(it)
	}
	q.fingerprints = make(map[string]Fingerprint, len(snap.Fingerprints))
	for k, v := range snap.Fingerprints {
		q.fingerprints[k] = v
	}
}

// Encode serializes snap.
func Encode(snap Snapshot) ([]byte, error) {
	if snap.Version == 0 {
		snap.Version = snapshotVersion
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, errors.Wrap(err, "encode outbox")
	}
	return data, nil
}

// Decode parses a persisted snapshot. Items missing an id, session key or
// message are dropped.
func Decode(data []byte) (Snapshot, error) {
	var snap Snapshot
	if len(strings.TrimSpace(string(data))) == 0 {
		return Snapshot{Version: snapshotVersion}, nil
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode outbox")
	}
	if snap.Version > snapshotVersion {
		return Snapshot{}, errors.Errorf("outbox snapshot version %d is newer than supported %d",
			snap.Version, snapshotVersion)
	}
	kept := snap.Items[:0]
	for _, it := range snap.Items {
		if it.ID == "" || it.SessionKey == "" || (strings.TrimSpace(it.Message) == "" && len(it.Attachments) == 0) {
			continue
		}
		if it.RetryCount < 0 {
			it.RetryCount = 0
		}
		kept = append(kept, it)
	}
	snap.Items = kept
	snap.Version = snapshotVersion
	return snap, nil
}
