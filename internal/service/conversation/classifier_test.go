package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhraseClassifier(t *testing.T) {
	c := NewPhraseClassifier()

	cases := []struct {
		reply string
		want  bool
	}{
		{"תודה! רוצה שאשלח לך סיכום?", true},
		{"רוצה לשמוע עוד על זה?", true},
		{"רוצה שאשלח לך את כל מה שכתבת במייל?", true},
		{"ספר/י לי עוד", false},
		{"רוצה", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.IsPending(tc.reply), "reply %q", tc.reply)
	}
}

func TestPhraseClassifierIsCaseSensitive(t *testing.T) {
	c := NewPhraseClassifier("Shall I send a summary")
	assert.True(t, c.IsPending("Great work. Shall I send a summary?"))
	assert.False(t, c.IsPending("great work. shall i send a summary?"))
	assert.Equal(t, []string{"Shall I send a summary"}, c.Phrases())
}

func TestPhraseClassifierFallsBackToDefaults(t *testing.T) {
	assert.Equal(t, DefaultPendingPhrases, NewPhraseClassifier(" ", "").Phrases())
}

func TestClassifierFunc(t *testing.T) {
	var c Classifier = ClassifierFunc(func(reply string) bool { return reply == "?" })
	assert.True(t, c.IsPending("?"))
	assert.False(t, c.IsPending("!"))
}

func TestConfirmationMatch(t *testing.T) {
	matched, yes := DefaultConfirmation.match(" כן\n")
	assert.True(t, matched)
	assert.True(t, yes)

	matched, yes = DefaultConfirmation.match("לא")
	assert.True(t, matched)
	assert.False(t, yes)

	matched, _ = DefaultConfirmation.match("כן!")
	assert.False(t, matched)
}
