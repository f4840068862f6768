package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Answer is either plain text or a tabular result.
type Answer struct {
	Text  string           `json:"text,omitempty"`
	Table []map[string]any `json:"table,omitempty"`
}

// IsTable returns true if the answer holds rows instead of text.
func (a Answer) IsTable() bool {
	return a.Table != nil
}

// FormatAnswer turns a JSON array of objects into a table and leaves anything else as text.
func FormatAnswer(s string) Answer {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "[") {
		return Answer{Text: s}
	}
	var rows []map[string]any
	if err := json.Unmarshal([]byte(trimmed), &rows); err != nil {
		return Answer{Text: s}
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return Answer{Table: rows}
}

// ConversationTurn is a single question/answer pair in the history log.
type ConversationTurn struct {
	Seq       int64     `json:"seq"`
	Question  string    `json:"question"`
	Answer    Answer    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// RecentFirst returns the turns ordered newest first without modifying the input.
func RecentFirst(turns []ConversationTurn) []ConversationTurn {
	out := make([]ConversationTurn, len(turns))
	for i, t := range turns {
		out[len(turns)-1-i] = t
	}
	return out
}
