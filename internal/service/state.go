package service

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gotchoices/fret/internal/digitree"
)

// PersistedState is the optional warm-start document (§6 "Persisted
// state"): a single JSON file with this node's exported Digitree.
type PersistedState struct {
	V         int                       `json:"v"`
	PeerID    string                    `json:"peerId"`
	Timestamp int64                     `json:"timestamp"`
	Entries   []digitree.SerializedEntry `json:"entries"`
}

// SaveState writes the current Digitree export to path as a
// PersistedState document.
func (s *Service) SaveState(path string) error {
	doc := PersistedState{
		V:         1,
		PeerID:    s.id,
		Timestamp: s.NowMs(),
		Entries:   s.tree.ExportEntries(),
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("service: marshal state: %w", err)
	}
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return fmt.Errorf("service: write state %s: %w", path, err)
	}
	return nil
}

// LoadState reads a PersistedState document from path and imports its
// entries into the Digitree (best-effort warm start, §3). A missing
// file is not an error: nodes start cold the first time.
func (s *Service) LoadState(path string) (int, error) {
	body, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("service: read state %s: %w", path, err)
	}
	var doc PersistedState
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, fmt.Errorf("service: parse state %s: %w", path, err)
	}
	return s.tree.ImportEntries(doc.Entries), nil
}
