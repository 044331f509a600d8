package usecase

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"hackthestudy/internal/domain/model"
)

var stopwords = map[string]struct{}{
	"about": {}, "above": {}, "after": {}, "again": {}, "also": {}, "been": {}, "before": {}, "being": {},
	"between": {}, "both": {}, "could": {}, "does": {}, "doing": {}, "down": {}, "during": {}, "each": {},
	"from": {}, "further": {}, "have": {}, "having": {}, "here": {}, "into": {}, "its": {}, "just": {},
	"more": {}, "most": {}, "only": {}, "other": {}, "over": {}, "same": {}, "should": {}, "some": {},
	"such": {}, "than": {}, "that": {}, "their": {}, "them": {}, "then": {}, "there": {}, "these": {},
	"they": {}, "this": {}, "those": {}, "through": {}, "under": {}, "until": {}, "very": {}, "were": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "while": {}, "with": {}, "would": {}, "your": {},
	"will": {}, "can": {}, "because": {}, "many": {}, "much": {}, "used": {}, "using": {}, "like": {},
}

// fallbackSource derives template content from the document itself. Output
// depends only on the text, so repeated runs produce the same items.
type fallbackSource struct {
	sentences []string
	keywords  []string
}

func newFallbackSource(text string) *fallbackSource {
	return &fallbackSource{sentences: splitSentences(text), keywords: topKeywords(text, 32)}
}

func (f *fallbackSource) sentenceWith(word string) string {
	for _, s := range f.sentences {
		if strings.Contains(strings.ToLower(s), word) {
			return s
		}
	}
	return ""
}

func (f *fallbackSource) flashcards(seen dedupSet, n int) []model.Flashcard {
	out := make([]model.Flashcard, 0, n)
	push := func(q, a string) {
		if len(out) < n && seen.add(q) {
			out = append(out, model.Flashcard{Question: q, Answer: a})
		}
	}
	for _, kw := range f.keywords {
		if s := f.sentenceWith(kw); s != "" {
			push(fmt.Sprintf("What does the material say about %q?", kw), s)
		}
	}
	for _, s := range f.sentences {
		words := strings.Fields(s)
		push(fmt.Sprintf("Complete the statement: %s ...", strings.Join(words[:len(words)/2], " ")), s)
	}
	for i := 1; len(out) < n; i++ {
		push(fmt.Sprintf("Key point %d: what should you remember from this material?", i),
			fmt.Sprintf("Review part %d of the uploaded material and summarise it in your own words.", i))
	}
	return out
}

func (f *fallbackSource) questions(seen dedupSet, n int) []model.Question {
	out := make([]model.Question, 0, n)
	push := func(q model.Question) {
		if len(out) < n && seen.add(q.Text) {
			out = append(out, q)
		}
	}
	for i, kw := range f.keywords {
		s := f.sentenceWith(kw)
		if s == "" {
			continue
		}
		blanked := replaceFold(s, kw, "____")
		options := f.distractors(kw, 3)
		correct := i % (len(options) + 1)
		options = append(options[:correct], append([]string{kw}, options[correct:]...)...)
		push(model.Question{
			Text:         fmt.Sprintf("Which term completes the statement: %q?", blanked),
			Options:      options,
			CorrectIndex: correct,
			Explanation:  s,
		})
	}
	for i := 1; len(out) < n; i++ {
		push(model.Question{
			Text:         fmt.Sprintf("Review check %d: did you go through part %d of the material?", i, i),
			Options:      []string{"Yes", "Not yet"},
			CorrectIndex: 0,
			Explanation:  "Revisit the material before moving on.",
		})
	}
	return out
}

func (f *fallbackSource) distractors(correct string, n int) []string {
	out := make([]string, 0, n)
	for _, kw := range f.keywords {
		if len(out) == n {
			break
		}
		if kw != correct {
			out = append(out, kw)
		}
	}
	for _, pad := range []string{"none of the above", "all of the above", "not stated in the material"} {
		if len(out) == n {
			break
		}
		out = append(out, pad)
	}
	return out
}

func (f *fallbackSource) topics(seen dedupSet, n int) (TopicDraft, []TopicDraft) {
	main := TopicDraft{Name: "Study Material"}
	rest := f.keywords
	if len(rest) > 0 {
		main = TopicDraft{Name: titleCase(rest[0]), Description: f.sentenceWith(rest[0])}
		rest = rest[1:]
	}
	seen.add(main.Name)

	subs := make([]TopicDraft, 0, n)
	for _, kw := range rest {
		if len(subs) == n {
			break
		}
		if seen.add(kw) {
			subs = append(subs, TopicDraft{Name: titleCase(kw), Description: f.sentenceWith(kw)})
		}
	}
	for i := 1; len(subs) < n; i++ {
		name := fmt.Sprintf("Part %d", i)
		if seen.add(name) {
			subs = append(subs, TopicDraft{Name: name})
		}
	}
	return main, subs
}

func splitSentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		s := strings.Join(strings.Fields(cur.String()), " ")
		cur.Reset()
		if strings.HasPrefix(s, "#") || len(strings.Fields(s)) < 4 {
			return
		}
		if r := []rune(s); len(r) > 300 {
			s = string(r[:300])
		}
		out = append(out, s)
	}
	runes := []rune(text)
	for i, r := range runes {
		switch {
		case r == '\n' && i+1 < len(runes) && runes[i+1] == '\n':
			flush()
		case r == '.' || r == '!' || r == '?':
			cur.WriteRune(r)
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

func topKeywords(text string, limit int) []string {
	counts := map[string]int{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) < 4 || isNumeric(w) {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		counts[w]++
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > limit {
		words = words[:limit]
	}
	return words
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func replaceFold(s, word, with string) string {
	i := strings.Index(strings.ToLower(s), word)
	if i < 0 {
		return s
	}
	return s[:i] + with + s[i+len(word):]
}

func titleCase(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
