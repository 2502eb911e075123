package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// The Read* functions below look at a data directory without taking the
// ownership lock. The lock serializes writers only; every file in the
// store is written atomically, so inspection tooling can read a directory
// owned by a running agent and never observe a torn record.

// ReadAgentRecord reads agent.json from dir. A directory that was never
// initialized surfaces fs.ErrNotExist.
func ReadAgentRecord(dir string) (AgentRecord, error) {
	var rec AgentRecord
	b, err := os.ReadFile(filepath.Join(dir, agentFile))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("decode %s: %w", agentFile, err)
	}
	return rec, nil
}

// ReadLastHeartbeat returns the newest heartbeat.log.jsonl record from
// dir. An absent or empty log reports found false.
func ReadLastHeartbeat(dir string) (HeartbeatRecord, bool, error) {
	file, err := os.Open(filepath.Join(dir, heartbeatFile))
	if errors.Is(err, fs.ErrNotExist) {
		return HeartbeatRecord{}, false, nil
	}
	if err != nil {
		return HeartbeatRecord{}, false, err
	}
	defer file.Close()

	var (
		last  []byte
		found bool
	)
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		last = append(last[:0], raw...)
		found = true
	}
	if err := sc.Err(); err != nil {
		return HeartbeatRecord{}, false, err
	}
	if !found {
		return HeartbeatRecord{}, false, nil
	}
	var rec HeartbeatRecord
	if err := json.Unmarshal(last, &rec); err != nil {
		return HeartbeatRecord{}, false, fmt.Errorf("decode %s: %w", heartbeatFile, err)
	}
	return rec, true, nil
}

// ReadStateSummary returns the state.md text from dir, or "" when the
// agent never wrote one.
func ReadStateSummary(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, stateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}
