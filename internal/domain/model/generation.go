package model

import (
	"strings"
	"unicode"
)

type Topic struct {
	ID          string `json:"id"`
	SessionID   string `json:"-"`
	Name        string `json:"name"`
	ParentID    string `json:"parent_id,omitempty"`
	IsMain      bool   `json:"is_main"`
	Description string `json:"description,omitempty"`
}

// TopicEdge is a directed relates-to link between two topics of one result.
type TopicEdge struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
}

type Flashcard struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type Question struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	Explanation  string   `json:"explanation,omitempty"`
}

// GenerationResult is the full artifact set of one session.
type GenerationResult struct {
	SessionID  string      `json:"session_id"`
	Topics     []Topic     `json:"topics"`
	Edges      []TopicEdge `json:"edges"`
	Flashcards []Flashcard `json:"flashcards"`
	Questions  []Question  `json:"questions"`
}

// Empty reports whether nothing was generated.
func (r *GenerationResult) Empty() bool {
	return r == nil || (len(r.Topics) == 0 && len(r.Flashcards) == 0 && len(r.Questions) == 0)
}

// NormalizeText lowercases, trims and collapses inner whitespace for
// duplicate comparison.
func NormalizeText(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), unicode.IsSpace), " ")
}
