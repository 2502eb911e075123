package store

import (
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
)

// AgentRecord is the persisted identity card (agent.json).
type AgentRecord struct {
	Name            string         `json:"name"`
	Address         common.Address `json:"address"`
	RegistryID      uint64         `json:"registry_id,omitempty"`
	Role            string         `json:"role"`
	DerivationIndex uint32         `json:"derivation_index"`
}

// SaveAgent atomically writes agent.json.
func (s *Store) SaveAgent(rec AgentRecord) error {
	return s.SaveJSON(agentFile, rec)
}

// LoadAgent reads agent.json. A store that was never initialized surfaces
// fs.ErrNotExist.
func (s *Store) LoadAgent() (AgentRecord, error) {
	var rec AgentRecord
	err := s.LoadJSON(agentFile, &rec)
	return rec, err
}

// WriteStateSummary atomically replaces state.md, the human-readable
// last-known summary.
func (s *Store) WriteStateSummary(text string) error {
	return writeFileAtomic(filepath.Join(s.dir, stateFile), []byte(text), 0o600)
}
