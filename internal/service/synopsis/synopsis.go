// Package synopsis builds the end-of-session summary shown after a user
// accepts the persona's closing offer.
package synopsis

import (
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/coachbot/backend/internal/model/chat"
	"github.com/zhouzirui/coachbot/backend/internal/model/persona"
)

// Synopsis is a structural summary of one completed conversation.
type Synopsis struct {
	PersonaID     string    `json:"botId"`
	PersonaName   string    `json:"botName"`
	Purpose       string    `json:"purpose"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime"`
	TotalMessages int       `json:"totalMessages"`
	UserMessages  int       `json:"userMessages"`
	Topics        []string  `json:"mainTopics"`
	Summary       string    `json:"summary"`
}

// Duration is the wall time between start and end.
func (s Synopsis) Duration() time.Duration {
	if s.EndTime.Before(s.StartTime) {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

type topicRule struct {
	topic    string
	keywords []string
}

var topicRules = []topicRule{
	{topic: "זוגיות ואהבה", keywords: []string{"זוגיות", "קשר", "אהבה"}},
	{topic: "ביטחון עצמי", keywords: []string{"ביטחון", "פחד", "חרדה"}},
	{topic: "עיבוד עבר רגשי", keywords: []string{"עבר", "אקס", "פציעה"}},
	{topic: "חזון עתידי", keywords: []string{"עתיד", "חלום", "רוצה"}},
}

var fallbackTopics = []string{"פיתוח אישי", "צמיחה רגשית"}

// Generate summarises messages exchanged with p between start and end.
func Generate(p persona.Persona, messages []chat.Message, start, end time.Time) Synopsis {
	userCount := 0
	userChars := 0
	var all strings.Builder
	for _, msg := range messages {
		if msg.Role == chat.RoleUser {
			userCount++
			userChars += len([]rune(msg.Content))
		}
		all.WriteString(strings.ToLower(msg.Content))
		all.WriteByte(' ')
	}

	return Synopsis{
		PersonaID:     p.ID,
		PersonaName:   p.Name,
		Purpose:       p.Purpose,
		StartTime:     start,
		EndTime:       end,
		TotalMessages: len(messages),
		UserMessages:  userCount,
		Topics:        extractTopics(all.String()),
		Summary:       summarise(p, userCount, userChars),
	}
}

func extractTopics(text string) []string {
	var topics []string
	for _, rule := range topicRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				topics = append(topics, rule.topic)
				break
			}
		}
	}
	if len(topics) == 0 {
		return append([]string(nil), fallbackTopics...)
	}
	return topics
}

func summarise(p persona.Persona, userCount, userChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "בשיחה עם %s עברת תהליך של %s. ", p.Name, p.Purpose)

	switch {
	case userCount >= 5:
		b.WriteString("השתתפת בפעילות רבה ונתת תשובות מפורטות. ")
	case userCount >= 3:
		b.WriteString("השתתפת בתהליך באופן פעיל. ")
	default:
		b.WriteString("התחלת את התהליך. ")
	}

	if userCount > 0 && userChars/userCount > 50 {
		b.WriteString("התשובות שלך היו מעמיקות ומפורטות. ")
	}
	return strings.TrimSpace(b.String())
}

// Format renders the synopsis as plain text for terminals and logs.
func (s Synopsis) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "סיכום השיחה עם %s\n", s.PersonaName)
	fmt.Fprintf(&b, "תאריך: %s\n", s.StartTime.Format("02/01/2006"))
	fmt.Fprintf(&b, "משך השיחה: %d דקות\n", int(s.Duration().Round(time.Minute)/time.Minute))
	fmt.Fprintf(&b, "סה\"כ הודעות: %d (%d שלך)\n\n", s.TotalMessages, s.UserMessages)
	fmt.Fprintf(&b, "מטרת השיחה:\n%s\n\n", s.Purpose)
	b.WriteString("נושאים שעלו:\n")
	for _, topic := range s.Topics {
		fmt.Fprintf(&b, "• %s\n", topic)
	}
	fmt.Fprintf(&b, "\nסיכום:\n%s", s.Summary)
	return b.String()
}
