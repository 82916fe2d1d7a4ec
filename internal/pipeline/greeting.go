package pipeline

import (
	"strings"
	"unicode"
)

var greetingWords = map[string]bool{
	"hi": true, "hii": true, "hello": true, "hey": true, "heya": true, "hiya": true, "yo": true,
	"morning": true, "evening": true, "afternoon": true, "good": true, "night": true,
	"there": true, "howdy": true, "greetings": true, "sup": true,
	"merhaba": true, "selam": true, "slm": true, "mrb": true, "günaydın": true, "iyi": true, "akşamlar": true, "geceler": true,
}

var greetingPhrases = []string{
	"how are you", "how's it going", "what's up", "nasılsın", "naber",
}

// IsGreeting reports whether text is only a greeting, with no content worth
// retrieving memories for.
func IsGreeting(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	for _, p := range greetingPhrases {
		t = strings.ReplaceAll(t, p, " ")
	}
	words := strings.FieldsFunc(t, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	if len(words) > 4 {
		return false
	}
	for _, w := range words {
		if !greetingWords[w] {
			return false
		}
	}
	return true
}
