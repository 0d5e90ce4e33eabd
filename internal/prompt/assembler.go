// Package prompt composes the layered system prompt for a roleplay turn and
// builds the message list sent to the completion endpoint.
package prompt

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/tjfontaine/litetavern/internal/domain"
)

// DefaultInstructions is used when the session supplies no instruction text.
const DefaultInstructions = "You are an immersive role-playing AI. Stay in character strictly."

const layerSeparator = "\n\n"

// LayerKind identifies a prompt layer. Layers always appear in ascending kind order.
type LayerKind int

const (
	LayerLanguage LayerKind = iota
	LayerInstructions
	LayerSharedRules
	LayerWorld
	LayerCharacter
	LayerUserPersona
	LayerMission
	LayerScenario
	LayerOverride
)

// Layer is one labeled block of the system prompt.
type Layer struct {
	Kind LayerKind
	Text string
}

// Category is the shared rule set of a group of characters.
type Category struct {
	Name         string
	SharedPrompt string
}

// UserPersona describes the player.
type UserPersona struct {
	Name        string
	Description string
}

// Safety controls the override mode. The directive and reinforcement texts
// come from operator configuration; nothing is injected when they are empty.
type Safety struct {
	Enabled       bool
	Directive     string
	Reinforcement string
}

// State is the session input to assembly.
type State struct {
	// Language is a BCP 47 tag selecting the reply language directive.
	Language     string
	Instructions string
	Category     *Category
	Lore         string
	// World is read on every call; nil omits the clock and weather lines.
	World    World
	User     UserPersona
	Mission  string
	Scenario string
}

var (
	supportedLanguages = []language.Tag{
		language.Chinese, // default
		language.English,
		language.Japanese,
	}
	languageMatcher = language.NewMatcher(supportedLanguages)
)

// LanguageDirective returns the reply-language instruction for locale. Unknown
// or unparseable locales fall back to Chinese.
func LanguageDirective(locale string) string {
	tag := language.Chinese
	if parsed, err := language.Parse(strings.TrimSpace(locale)); err == nil {
		_, idx, conf := languageMatcher.Match(parsed)
		if conf != language.No {
			tag = supportedLanguages[idx]
		}
	}

	switch tag {
	case language.English:
		return "[Instruction: Please reply in English.]"
	case language.Japanese:
		return "[Instruction: 日本語で返信してください。]"
	default:
		return "[Instruction: 请使用中文回复。]"
	}
}

// Layers returns the non-empty prompt blocks in their fixed order.
func Layers(char *domain.Character, state State, safety Safety) []Layer {
	var layers []Layer
	add := func(kind LayerKind, text string) {
		if strings.TrimSpace(text) != "" {
			layers = append(layers, Layer{Kind: kind, Text: text})
		}
	}

	add(LayerLanguage, LanguageDirective(state.Language))

	instructions := state.Instructions
	if strings.TrimSpace(instructions) == "" {
		instructions = DefaultInstructions
	}
	add(LayerInstructions, "【AI 功能指令 / AI Instructions】\n"+instructions)

	if cat := state.Category; cat != nil && strings.TrimSpace(cat.SharedPrompt) != "" {
		add(LayerSharedRules, "【分类公共设定 / Shared Rules ("+cat.Name+")】\n"+cat.SharedPrompt)
	}

	add(LayerWorld, worldBlock(state))

	if char != nil {
		add(LayerCharacter, characterBlock(char))
	}

	if state.User.Name != "" || state.User.Description != "" {
		name, desc := state.User.Name, state.User.Description
		if name == "" {
			name = "User"
		}
		if desc == "" {
			desc = "Unknown"
		}
		add(LayerUserPersona, "【玩家设定 / User Persona】\nName: "+name+"\nDescription: "+desc)
	}

	if state.Mission != "" {
		add(LayerMission, "【当前任务 / Mission】\n"+state.Mission)
	}
	if state.Scenario != "" {
		add(LayerScenario, "【当前情景 / Current Scenario】\n"+state.Scenario)
	}

	if safety.Enabled {
		add(LayerOverride, safety.Directive)
	}

	return layers
}

// Assemble joins Layers with blank lines.
func Assemble(char *domain.Character, state State, safety Safety) string {
	layers := Layers(char, state, safety)
	parts := make([]string, len(layers))
	for i, l := range layers {
		parts[i] = l.Text
	}
	return strings.Join(parts, layerSeparator)
}

func worldBlock(state State) string {
	var lines []string
	if state.Lore != "" {
		lines = append(lines, state.Lore)
	}
	if state.World != nil {
		now, weather := state.World.Snapshot()
		lines = append(lines,
			"[Current Time: "+now.String()+"]",
			"[Current Weather: "+weather.String()+"]")
	}
	if len(lines) == 0 {
		return ""
	}
	return "【世界观 / World Setting】\n" + strings.Join(lines, "\n")
}

func characterBlock(char *domain.Character) string {
	var b strings.Builder
	b.WriteString("【角色设定 / Character Card】\nName: ")
	b.WriteString(char.Name)

	system := char.System.SystemPrompt
	if system == "" {
		system = char.Persona.Description
	}
	if system != "" {
		b.WriteString("\n")
		b.WriteString(system)
	}

	p := char.Persona
	if p.Personality != "" {
		b.WriteString("\n[Personality: " + p.Personality + "]")
	}
	if p.Scenario != "" {
		b.WriteString("\n[Scenario: " + p.Scenario + "]")
	}
	if p.ExampleDialogue != "" {
		b.WriteString("\n[Example Dialogue:\n" + p.ExampleDialogue + "\n]")
	}
	return b.String()
}
