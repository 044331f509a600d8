package usecase

import (
	"encoding/json"
	"fmt"
	"strings"

	"hackthestudy/internal/domain/model"
)

// ArtifactKind selects one generation sub-task.
type ArtifactKind string

const (
	KindTopics     ArtifactKind = "topics"
	KindFlashcards ArtifactKind = "flashcards"
	KindQuestions  ArtifactKind = "questions"
)

// Parsed is the tagged result of parsing one LLM response. Exactly one of
// ParsedTopics, ParsedFlashcards, ParsedQuestions or ParseFailed.
type Parsed interface {
	parsed()
}

type TopicDraft struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type RelationDraft struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type ParsedTopics struct {
	Main      TopicDraft
	Subtopics []TopicDraft
	Relations []RelationDraft
}

type ParsedFlashcards struct {
	Items []model.Flashcard
}

type ParsedQuestions struct {
	Items []model.Question
}

type ParseFailed struct {
	Reason string
}

func (ParsedTopics) parsed()     {}
func (ParsedFlashcards) parsed() {}
func (ParsedQuestions) parsed()  {}
func (ParseFailed) parsed()      {}

// canonical response documents, one per kind
type topicsDoc struct {
	MainTopic *TopicDraft     `json:"main_topic"`
	Subtopics []TopicDraft    `json:"subtopics"`
	Relations []RelationDraft `json:"relations"`
}

type flashcardsDoc struct {
	Flashcards []struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
	} `json:"flashcards"`
}

type questionsDoc struct {
	Questions []struct {
		Text         string   `json:"text"`
		Options      []string `json:"options"`
		CorrectIndex *int     `json:"correct_index"`
		Explanation  string   `json:"explanation"`
	} `json:"questions"`
}

// ParseOutput validates raw model output against the canonical schema of kind.
// The only leniency is locating the JSON object inside surrounding prose or
// code fences; invalid items are dropped, and a document with no valid item
// is a ParseFailed.
func ParseOutput(kind ArtifactKind, raw string) Parsed {
	body, ok := jsonObject(raw)
	if !ok {
		return ParseFailed{Reason: "no json object in response"}
	}
	switch kind {
	case KindTopics:
		return parseTopics(body)
	case KindFlashcards:
		return parseFlashcards(body)
	case KindQuestions:
		return parseQuestions(body)
	}
	return ParseFailed{Reason: fmt.Sprintf("unknown kind %q", kind)}
}

func parseTopics(body string) Parsed {
	var doc topicsDoc
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return ParseFailed{Reason: "topics: " + err.Error()}
	}
	if doc.MainTopic == nil || strings.TrimSpace(doc.MainTopic.Name) == "" {
		return ParseFailed{Reason: "topics: missing main_topic"}
	}
	out := ParsedTopics{Main: cleanDraft(*doc.MainTopic)}
	for _, s := range doc.Subtopics {
		if strings.TrimSpace(s.Name) == "" {
			continue
		}
		out.Subtopics = append(out.Subtopics, cleanDraft(s))
	}
	for _, r := range doc.Relations {
		from, to := strings.TrimSpace(r.From), strings.TrimSpace(r.To)
		if from == "" || to == "" {
			continue
		}
		out.Relations = append(out.Relations, RelationDraft{From: from, To: to})
	}
	return out
}

func parseFlashcards(body string) Parsed {
	var doc flashcardsDoc
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return ParseFailed{Reason: "flashcards: " + err.Error()}
	}
	var out ParsedFlashcards
	for _, f := range doc.Flashcards {
		q, a := strings.TrimSpace(f.Question), strings.TrimSpace(f.Answer)
		if q == "" || a == "" {
			continue
		}
		out.Items = append(out.Items, model.Flashcard{Question: q, Answer: a})
	}
	if len(out.Items) == 0 {
		return ParseFailed{Reason: "flashcards: no valid items"}
	}
	return out
}

func parseQuestions(body string) Parsed {
	var doc questionsDoc
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return ParseFailed{Reason: "questions: " + err.Error()}
	}
	var out ParsedQuestions
	for _, q := range doc.Questions {
		text := strings.TrimSpace(q.Text)
		opts := make([]string, 0, len(q.Options))
		for _, o := range q.Options {
			if o = strings.TrimSpace(o); o != "" {
				opts = append(opts, o)
			}
		}
		if text == "" || len(opts) < 2 || len(opts) != len(q.Options) || q.CorrectIndex == nil {
			continue
		}
		if *q.CorrectIndex < 0 || *q.CorrectIndex >= len(opts) {
			continue
		}
		out.Items = append(out.Items, model.Question{
			Text:         text,
			Options:      opts,
			CorrectIndex: *q.CorrectIndex,
			Explanation:  strings.TrimSpace(q.Explanation),
		})
	}
	if len(out.Items) == 0 {
		return ParseFailed{Reason: "questions: no valid items"}
	}
	return out
}

func cleanDraft(d TopicDraft) TopicDraft {
	return TopicDraft{Name: strings.TrimSpace(d.Name), Description: strings.TrimSpace(d.Description)}
}

// jsonObject returns the outermost {...} span of s.
func jsonObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
