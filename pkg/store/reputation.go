package store

const reputationFile = "reputation.log.jsonl"

// AppendReputation appends one snapshot line to reputation.log.jsonl.
// The record type lives with the scorer; the store only guarantees the
// line is durable and in append order.
func (s *Store) AppendReputation(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLine(reputationFile, v)
}

// ReplayReputation streams the raw snapshot lines in append order.
func (s *Store) ReplayReputation(f func(raw []byte) error) error {
	return s.replayLines(reputationFile, f)
}
