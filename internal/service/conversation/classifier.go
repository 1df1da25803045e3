package conversation

import "strings"

// DefaultPendingPhrases are the closing offers after which a persona waits
// for a yes/no answer.
var DefaultPendingPhrases = []string{
	"רוצה שאשלח לך את כל מה שכתבת",
	"רוצה לשמוע עוד",
	"רוצה שאשלח לך סיכום",
}

// Default confirmation tokens.
const (
	DefaultYes = "כן"
	DefaultNo  = "לא"
)

// Classifier decides whether an assistant reply asks for confirmation.
type Classifier interface {
	IsPending(reply string) bool
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(reply string) bool

func (f ClassifierFunc) IsPending(reply string) bool { return f(reply) }

// PhraseClassifier matches replies containing any of a fixed phrase list.
// Matching is case-sensitive substring containment.
type PhraseClassifier struct {
	phrases []string
}

// NewPhraseClassifier uses DefaultPendingPhrases when phrases is empty.
func NewPhraseClassifier(phrases ...string) PhraseClassifier {
	cleaned := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultPendingPhrases...)
	}
	return PhraseClassifier{phrases: cleaned}
}

func (c PhraseClassifier) IsPending(reply string) bool {
	for _, phrase := range c.phrases {
		if strings.Contains(reply, phrase) {
			return true
		}
	}
	return false
}

// Phrases returns a copy of the configured phrases.
func (c PhraseClassifier) Phrases() []string {
	return append([]string(nil), c.phrases...)
}

// Confirmation holds the literal answers that close a pending question.
type Confirmation struct {
	Yes string
	No  string
}

// DefaultConfirmation is the Hebrew yes/no pair.
var DefaultConfirmation = Confirmation{Yes: DefaultYes, No: DefaultNo}

// match reports whether text is one of the tokens after trimming, and
// whether it was the affirmative one.
func (c Confirmation) match(text string) (matched, yes bool) {
	switch strings.TrimSpace(text) {
	case c.Yes:
		return true, true
	case c.No:
		return true, false
	default:
		return false, false
	}
}
