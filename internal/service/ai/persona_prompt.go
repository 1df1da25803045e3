package ai

import (
	"strings"

	"github.com/zhouzirui/coachbot/backend/internal/model/persona"
)

// PromptBuilder assembles the system prompt for a persona and the variant
// picked at conversation start.
type PromptBuilder struct {
	variantHints map[string]string
}

// NewPromptBuilder creates a builder with the default addressing hints.
func NewPromptBuilder() *PromptBuilder {
	b := &PromptBuilder{variantHints: make(map[string]string)}
	b.loadDefaultHints()
	return b
}

// SetVariantHint overrides the hint appended for variant. An empty hint removes it.
func (b *PromptBuilder) SetVariantHint(variant, hint string) {
	if hint == "" {
		delete(b.variantHints, variant)
		return
	}
	b.variantHints[variant] = hint
}

// Build returns the persona's system prompt, followed by the variant hint when one is known.
func (b *PromptBuilder) Build(p persona.Persona, variant string) string {
	base := strings.TrimSpace(p.SystemPrompt)
	if base == "" {
		base = p.Name + ". " + p.Purpose
	}

	hint, ok := b.variantHints[variant]
	if !ok {
		return base
	}
	return base + "\n\n" + hint
}

// 默认的称呼提示，对应开场白里的 male / female 变体。
func (b *PromptBuilder) loadDefaultHints() {
	b.variantHints["male"] = "פנה אל המשתמש בלשון זכר."
	b.variantHints["female"] = "פני אל המשתמשת בלשון נקבה."
}
