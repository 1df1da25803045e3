package chat

import "time"

// Snapshot is the persisted, client-local state of one persona conversation.
type Snapshot struct {
	PersonaID       string     `json:"botId"`
	Messages        []Message  `json:"messages"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	SelectedVariant string     `json:"selectedVariant,omitempty"`
	IsCompleted     bool       `json:"isCompleted"`
	IsLocked        bool       `json:"isLocked"`
}

// Clone returns a deep copy so callers can mutate freely.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	return out
}
