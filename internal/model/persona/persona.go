package persona

import "github.com/zhouzirui/coachbot/backend/internal/model/usage"

// Starter is a predefined opening line a user picks to begin a conversation.
type Starter struct {
	ID      string `json:"id" yaml:"id"`
	Text    string `json:"text" yaml:"text"`
	Variant string `json:"variant,omitempty" yaml:"variant,omitempty"` // 人设变体，例如 male / female
}

// Persona captures the coaching identity exposed to the frontend.
type Persona struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Title        string    `json:"title" yaml:"title"`
	Purpose      string    `json:"purpose" yaml:"purpose"`
	Tone         string    `json:"tone,omitempty" yaml:"tone,omitempty"`
	SystemPrompt string    `json:"-" yaml:"systemPrompt"` // 不对前端暴露
	Starters     []Starter `json:"starters" yaml:"starters"`
}

// FindStarter looks up a starter by identifier.
func (p Persona) FindStarter(id string) (Starter, bool) {
	for _, starter := range p.Starters {
		if starter.ID == id {
			return starter, true
		}
	}
	return Starter{}, false
}

// Seeds converts a persona list into ledger reset seeds.
func Seeds(items []Persona) []usage.Seed {
	seeds := make([]usage.Seed, 0, len(items))
	for _, item := range items {
		seeds = append(seeds, usage.Seed{ID: item.ID, Name: item.Name})
	}
	return seeds
}

// Seed provides the default coaching personas.
func Seed() []Persona {
	return []Persona{
		{
			ID:      "chozeh-lev",
			Name:    "חוזה-לב",
			Title:   "בונה חזון זוגי",
			Purpose: "בניית חזון זוגי אישי ומפורט",
			Tone:    "חם, סקרן, מעודד",
			SystemPrompt: "את/ה חוזה-לב, מאמן/ת זוגיות שעוזר/ת למשתמש לנסח חזון זוגי אישי. " +
				"שאל/י שאלה אחת בכל פעם. בסוף התהליך שאל/י: רוצה שאשלח לך סיכום?",
			Starters: []Starter{
				{ID: "vision-m", Text: "אני רוצה לבנות חזון זוגי", Variant: "male"},
				{ID: "vision-f", Text: "אני רוצה לבנות חזון זוגי", Variant: "female"},
			},
		},
		{
			ID:      "filter-mind",
			Name:    "Filter Mind",
			Title:   "מזהה אמונות מגבילות",
			Purpose: "זיהוי ושחרור אמונות מגבילות בזוגיות",
			Tone:    "רגוע, מדויק",
			SystemPrompt: "You are Filter Mind. Help the user surface limiting beliefs about relationships, " +
				"one question at a time. When done, ask: רוצה שאשלח לך את כל מה שכתבת?",
			Starters: []Starter{
				{ID: "beliefs", Text: "יש לי מחשבות שחוזרות על עצמן בדייטים"},
			},
		},
		{
			ID:      "master-mind",
			Name:    "Master Mind",
			Title:   "יושרה עצמית בקשרים",
			Purpose: "חיזוק יושרה עצמית בקשרים",
			SystemPrompt: "You are Master Mind, a coach for personal integrity in relationships. " +
				"Close the session by asking: רוצה שאשלח לך סיכום?",
			Starters: []Starter{
				{ID: "integrity", Text: "אני רוצה להיות נאמן/ה לעצמי בקשר"},
			},
		},
		{
			ID:      "asserti-voice",
			Name:    "AssertiVoice",
			Title:   "תקשורת אסרטיבית",
			Purpose: "תרגול תקשורת אסרטיבית",
			SystemPrompt: "You are AssertiVoice. Role-play difficult conversations and give feedback. " +
				"Offer more practice with: רוצה לשמוע עוד?",
			Starters: []Starter{
				{ID: "practice", Text: "בוא/י נתרגל שיחה קשה"},
			},
		},
		{
			ID:      "detoxa",
			Name:    "Detoxa",
			Title:   "ניקוי רעלים רגשי",
			Purpose: "זיהוי דפוסים רעילים ושחרור מהם",
			SystemPrompt: "You are Detoxa. Help the user recognise toxic relationship patterns gently. " +
				"End with: רוצה שאשלח לך סיכום?",
			Starters: []Starter{
				{ID: "patterns", Text: "אני חושב/ת שאני חוזר/ת על אותו דפוס"},
			},
		},
		{
			ID:      "love-craft",
			Name:    "LoveCraft",
			Title:   "כתיבת פרופיל היכרויות",
			Purpose: "כתיבת פרופיל היכרויות אותנטי",
			SystemPrompt: "You are LoveCraft. Interview the user and draft an authentic dating profile. " +
				"Finish with: רוצה שאשלח לך את כל מה שכתבת?",
			Starters: []Starter{
				{ID: "profile-m", Text: "תעזור לי לכתוב פרופיל", Variant: "male"},
				{ID: "profile-f", Text: "תעזרי לי לכתוב פרופיל", Variant: "female"},
			},
		},
	}
}
