package domain

import (
	"encoding/json"
	"time"
)

// PlaceholderName is used when a card carries no usable name.
const PlaceholderName = "Unnamed"

// OriginalFormat records which schema a character was imported from.
type OriginalFormat string

const (
	FormatV1   OriginalFormat = "v1"
	FormatV2   OriginalFormat = "v2"
	FormatJSON OriginalFormat = "json"
	FormatText OriginalFormat = "text"
)

// Character is the canonical character record produced by the importer.
// Ownership passes to the character store once an import succeeds.
type Character struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Avatar     string     `json:"avatar,omitempty"` // data URI
	Tags       []string   `json:"tags,omitempty"`
	Creator    string     `json:"creator,omitempty"`
	Persona    Persona    `json:"persona"`
	System     System     `json:"system"`
	Provenance Provenance `json:"provenance"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Persona holds the descriptive fields of a character.
type Persona struct {
	Description        string   `json:"description,omitempty"`
	Personality        string   `json:"personality,omitempty"`
	Scenario           string   `json:"scenario,omitempty"`
	FirstMessage       string   `json:"first_message,omitempty"`
	AlternateGreetings []string `json:"alternate_greetings,omitempty"`
	ExampleDialogue    string   `json:"example_dialogue,omitempty"`
}

// System holds instructions the card provides for the model.
type System struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Provenance keeps the source card for forward compatibility. The pipeline never
// interprets OriginalData.
type Provenance struct {
	OriginalFormat OriginalFormat  `json:"original_format"`
	OriginalData   json.RawMessage `json:"original_data,omitempty"`
}
