package usecase

import (
	"fmt"
	"strings"

	"hackthestudy/internal/domain/ports/adapter"
)

const (
	topicsSchema     = `{"main_topic":{"name":"","description":""},"subtopics":[{"name":"","description":""}],"relations":[{"from":"","to":""}]}`
	flashcardsSchema = `{"flashcards":[{"question":"","answer":""}]}`
	questionsSchema  = `{"questions":[{"text":"","options":["","","",""],"correct_index":0,"explanation":""}]}`
)

func schemaFor(kind ArtifactKind) string {
	switch kind {
	case KindTopics:
		return topicsSchema
	case KindFlashcards:
		return flashcardsSchema
	default:
		return questionsSchema
	}
}

func buildPrompt(kind ArtifactKind, text string, count int, avoid []string) []adapter.Message {
	var task string
	switch kind {
	case KindTopics:
		task = fmt.Sprintf("Identify the single main topic of the material and up to %d subtopics. "+
			"List relations between topics by name.", count)
	case KindFlashcards:
		task = fmt.Sprintf("Write %d flashcards. Each has a short question and a precise answer taken from the material.", count)
	case KindQuestions:
		task = fmt.Sprintf("Write %d multiple-choice questions with four options each. "+
			"correct_index is the zero-based index of the right option.", count)
	}

	var sb strings.Builder
	sb.WriteString("You create study material. Reply with one JSON object matching this schema and nothing else:\n")
	sb.WriteString(schemaFor(kind))

	user := task + "\n\n"
	if len(avoid) > 0 {
		user += "Do not repeat any of these existing items:\n- " + strings.Join(avoid, "\n- ") + "\n\n"
	}
	user += "Material:\n" + text

	return []adapter.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: user},
	}
}
