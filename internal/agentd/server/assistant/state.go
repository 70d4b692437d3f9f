package assistant

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// SavedMessage is the on-disk form of one conversation entry. Timestamps
// marshal as RFC 3339 strings.
type SavedMessage struct {
	ID           string    `json:"id"`
	APIMessageID string    `json:"apiMessageId,omitempty"`
	PromptID     string    `json:"promptId,omitempty"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// State is the portable snapshot of a session. It rides along in agent
// snapshots so fork and resume rebuild the conversation exactly.
type State struct {
	SessionID         string           `json:"sessionId,omitempty"`
	Messages          []SavedMessage   `json:"messages"`
	PastConversations [][]SavedMessage `json:"pastConversations,omitempty"`
	Compactions       []Compaction     `json:"compactions,omitempty"`
	Usage             *Usage           `json:"usage,omitempty"`
	ContextWindow     int              `json:"contextWindow,omitempty"`
	SavedAt           time.Time        `json:"savedAt"`
}

// ExportState captures the full session for persistence or transfer. The
// in-flight streaming buffer is deliberately excluded; only acknowledged
// messages travel.
func (s *Session) ExportState() *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &State{
		SessionID:     s.sessionID,
		Messages:      saveRecords(s.records),
		Compactions:   append([]Compaction(nil), s.compactions...),
		ContextWindow: s.contextWindow,
		SavedAt:       time.Now().UTC(),
	}
	if s.usage != nil {
		u := *s.usage
		st.Usage = &u
	}
	for _, conv := range s.past {
		st.PastConversations = append(st.PastConversations, saveRecords(conv))
	}
	return st
}

// RestoreState replaces the session's conversation with the given state
// and rebuilds the dedup index. It must not be called while streaming.
func (s *Session) RestoreState(st *State) {
	if st == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionID = st.SessionID
	s.records = loadRecords(st.Messages)
	s.byAPIID = make(map[string]*record, len(s.records))
	for _, r := range s.records {
		if r.apiID != "" {
			s.byAPIID[r.apiID] = r
		}
	}
	s.seenTools = make(map[string]struct{})
	s.compactions = append([]Compaction(nil), st.Compactions...)
	s.usage = nil
	if st.Usage != nil {
		u := *st.Usage
		s.usage = &u
	}
	s.contextWindow = st.ContextWindow
	s.past = nil
	for _, conv := range st.PastConversations {
		s.past = append(s.past, loadRecords(conv))
	}
}

// SaveTo writes the exported state to path atomically, creating parent
// directories as needed.
func (s *Session) SaveTo(path string) error {
	st := s.ExportState()
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write conversation state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace conversation state: %w", err)
	}
	return nil
}

// LoadState reads persisted state from path. A missing file is not an
// error; it returns (nil, nil).
func LoadState(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read conversation state: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to parse conversation state: %w", err)
	}
	return &st, nil
}

func saveRecords(recs []*record) []SavedMessage {
	out := make([]SavedMessage, 0, len(recs))
	for _, r := range recs {
		out = append(out, SavedMessage{
			ID:           r.id,
			APIMessageID: r.apiID,
			PromptID:     r.promptID,
			Role:         r.role,
			Content:      r.content,
			CreatedAt:    r.createdAt,
			UpdatedAt:    r.updatedAt,
		})
	}
	return out
}

func loadRecords(msgs []SavedMessage) []*record {
	out := make([]*record, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &record{
			id:        m.ID,
			apiID:     m.APIMessageID,
			promptID:  m.PromptID,
			role:      m.Role,
			content:   m.Content,
			createdAt: m.CreatedAt,
			updatedAt: m.UpdatedAt,
		})
	}
	return out
}
