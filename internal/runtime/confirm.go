package runtime

import (
	"strings"
	"unicode"
)

// Intent is how a user utterance answers a yes/no question.
type Intent int

const (
	IntentOther Intent = iota
	IntentAffirm
	IntentReject
)

func (i Intent) String() string {
	switch i {
	case IntentAffirm:
		return "affirm"
	case IntentReject:
		return "reject"
	}
	return "other"
}

var affirmPhrases = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yep": true, "yup": true, "ya": true,
	"sure": true, "ok": true, "okay": true, "k": true, "confirm": true, "confirmed": true,
	"absolutely": true, "definitely": true, "correct": true, "affirmative": true,
	"do it": true, "go ahead": true, "go for it": true, "please do": true, "proceed": true,
	"cancel them": true, "cancel them all": true, "cancel all": true, "that's right": true,
}

var rejectPhrases = map[string]bool{
	"no": true, "n": true, "nope": true, "nah": true, "negative": true,
	"don't": true, "dont": true, "do not": true, "stop": true, "abort": true,
	"never mind": true, "nevermind": true, "keep them": true, "keep them all": true,
	"not now": true, "forget it": true, "wait": true,
}

// politeness that may trail or lead a yes/no answer
var softWords = map[string]bool{
	"please": true, "thanks": true, "thank": true, "you": true, "thx": true,
	"then": true, "actually": true, "oh": true, "well": true, "i": true, "guess": true,
}

const maxAnswerWords = 6

// Classify decides whether text is a yes, a no, or something else. Only
// short answers count; a longer request is never read as consent.
func Classify(text string) Intent {
	words := normalizeWords(text)
	if len(words) == 0 || len(words) > maxAnswerWords {
		return IntentOther
	}

	var core []string
	for _, w := range words {
		if !softWords[w] {
			core = append(core, w)
		}
	}
	if len(core) == 0 {
		return IntentOther
	}

	phrase := strings.Join(core, " ")
	if rejectPhrases[phrase] {
		return IntentReject
	}
	if affirmPhrases[phrase] {
		return IntentAffirm
	}

	// "yes cancel them", "no keep them": the first word decides as long
	// as the rest does not contradict it.
	first, rest := core[0], strings.Join(core[1:], " ")
	switch {
	case rejectPhrases[first] && !affirmPhrases[rest]:
		return IntentReject
	case affirmPhrases[first] && onlyConsent(core[1:]):
		return IntentAffirm
	}
	return IntentOther
}

var consentWords = map[string]bool{
	"cancel": true, "them": true, "all": true, "it": true, "do": true, "go": true,
	"ahead": true, "everything": true, "my": true, "bookings": true, "meetings": true,
	"sure": true, "yes": true, "confirm": true, "that's": true, "right": true, "fine": true,
}

func onlyConsent(words []string) bool {
	for _, w := range words {
		if !consentWords[w] {
			return false
		}
	}
	return true
}

// IsBareAnswer reports whether text is nothing more than a yes or no.
func IsBareAnswer(text string) bool {
	words := normalizeWords(text)
	return len(words) > 0 && len(words) <= 3 && Classify(text) != IntentOther
}

func normalizeWords(text string) []string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.ReplaceAll(text, "’", "'")
	text = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, text)
	return strings.Fields(text)
}
