package usecase

import "hackthestudy/internal/domain/model"

// dedupSet tracks normalized keys already present in a result.
type dedupSet map[string]struct{}

func (d dedupSet) add(s string) bool {
	k := model.NormalizeText(s)
	if k == "" {
		return false
	}
	if _, dup := d[k]; dup {
		return false
	}
	d[k] = struct{}{}
	return true
}

func flashcardKeys(items []model.Flashcard) dedupSet {
	d := dedupSet{}
	for _, f := range items {
		d.add(f.Question)
	}
	return d
}

func questionKeys(items []model.Question) dedupSet {
	d := dedupSet{}
	for _, q := range items {
		d.add(q.Text)
	}
	return d
}

// dedupFlashcards keeps up to want candidates whose normalized question is
// new to both seen and the candidates before it. seen is updated.
func dedupFlashcards(seen dedupSet, candidates []model.Flashcard, want int) []model.Flashcard {
	out := make([]model.Flashcard, 0, want)
	for _, c := range candidates {
		if len(out) >= want {
			break
		}
		if seen.add(c.Question) {
			out = append(out, c)
		}
	}
	return out
}

func dedupQuestions(seen dedupSet, candidates []model.Question, want int) []model.Question {
	out := make([]model.Question, 0, want)
	for _, c := range candidates {
		if len(out) >= want {
			break
		}
		if seen.add(c.Text) {
			out = append(out, c)
		}
	}
	return out
}

func dedupTopics(seen dedupSet, candidates []TopicDraft, want int) []TopicDraft {
	out := make([]TopicDraft, 0, want)
	for _, c := range candidates {
		if len(out) >= want {
			break
		}
		if seen.add(c.Name) {
			out = append(out, c)
		}
	}
	return out
}
