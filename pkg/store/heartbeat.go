package store

import (
	"encoding/json"
	"time"
)

// Heartbeat statuses.
const (
	HeartbeatOK    = "ok"
	HeartbeatError = "error"
)

// HeartbeatRecord is one heartbeat.log.jsonl line. Step is monotonic per
// agent and continues across restarts.
type HeartbeatRecord struct {
	At     time.Time `json:"at"`
	Agent  string    `json:"agent"`
	Step   uint64    `json:"step"`
	Action string    `json:"action"`
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	Err    string    `json:"error,omitempty"`
}

// AppendHeartbeat appends one record to heartbeat.log.jsonl.
func (s *Store) AppendHeartbeat(rec HeartbeatRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLine(heartbeatFile, rec)
}

// LastHeartbeat returns the newest record; the runtime continues the
// step counter from it after a restart.
func (s *Store) LastHeartbeat() (HeartbeatRecord, bool, error) {
	var (
		last  HeartbeatRecord
		found bool
	)
	err := s.replayLines(heartbeatFile, func(raw []byte) error {
		var rec HeartbeatRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		last, found = rec, true
		return nil
	})
	if err != nil {
		return HeartbeatRecord{}, false, err
	}
	return last, found, nil
}
