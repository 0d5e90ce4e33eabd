// Package card imports character cards from PNG containers and JSON files and
// normalizes the historical card schemas into domain.Character.
package card

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/tjfontaine/litetavern/internal/domain"
)

// SpecV2 is the sentinel value of the "spec" field in v2 cards.
const SpecV2 = "chara_card_v2"

// Schema identifies the card layout a payload matched.
type Schema int

const (
	SchemaUnknown Schema = iota
	SchemaV1
	SchemaV2
)

func (s Schema) String() string {
	switch s {
	case SchemaV1:
		return "v1"
	case SchemaV2:
		return "v2"
	default:
		return "unknown"
	}
}

// cardV1 is the flat v1 layout. It is also the shape of the v2 "data" object,
// which adds the optional fields below.
type cardV1 struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Personality string `json:"personality"`
	Scenario    string `json:"scenario"`
	FirstMes    string `json:"first_mes"`
	MesExample  string `json:"mes_example"`
}

type cardV2Data struct {
	cardV1
	CreatorNotes            string   `json:"creator_notes"`
	SystemPrompt            string   `json:"system_prompt"`
	PostHistoryInstructions string   `json:"post_history_instructions"`
	Tags                    []string `json:"tags"`
	Creator                 string   `json:"creator"`
	CharacterVersion        string   `json:"character_version"`
	AlternateGreetings      []string `json:"alternate_greetings"`
}

type cardV2 struct {
	Spec        string     `json:"spec"`
	SpecVersion string     `json:"spec_version"`
	Data        cardV2Data `json:"data"`
}

// probe holds just enough of a payload to classify it. Fields are raw so that
// non-string values classify as unknown instead of failing the decode.
type probe struct {
	Spec        json.RawMessage `json:"spec"`
	Name        json.RawMessage `json:"name"`
	Description json.RawMessage `json:"description"`
}

// Normalizer converts card payloads into canonical characters.
type Normalizer struct {
	ids IDGenerator
	now func() time.Time
}

// NewNormalizer creates a normalizer using ids for character IDs.
func NewNormalizer(ids IDGenerator) *Normalizer {
	if ids == nil {
		ids = NewULIDGenerator()
	}
	return &Normalizer{ids: ids, now: time.Now}
}

// DecodeEmbedded decodes the base64 text stored in a card chunk into JSON bytes.
func DecodeEmbedded(text []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(text)
	if len(trimmed) == 0 {
		return nil, domain.NewDecodeError("empty card payload", nil)
	}

	s := string(trimmed)
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		var rawErr error
		raw, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if rawErr != nil {
			return nil, domain.NewDecodeError("invalid base64 card payload", err)
		}
	}
	return raw, nil
}

// Detect classifies a JSON payload without building a character.
func Detect(raw []byte) (Schema, error) {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return SchemaUnknown, domain.NewDecodeError("invalid card JSON", err)
	}

	if stringValue(p.Spec) == SpecV2 {
		return SchemaV2, nil
	}
	if stringValue(p.Name) != "" && stringValue(p.Description) != "" {
		return SchemaV1, nil
	}
	return SchemaUnknown, nil
}

// Normalize builds a canonical character from a card JSON payload.
// Unknown layouts return ErrUnsupportedFormat; malformed JSON returns ErrDecode.
func (n *Normalizer) Normalize(raw []byte) (*domain.Character, error) {
	schema, err := Detect(raw)
	if err != nil {
		return nil, err
	}

	switch schema {
	case SchemaV2:
		var card cardV2
		if err := json.Unmarshal(raw, &card); err != nil {
			return nil, domain.NewDecodeError("invalid v2 card", err)
		}
		return n.fromV2(&card, raw), nil
	case SchemaV1:
		var card cardV1
		if err := json.Unmarshal(raw, &card); err != nil {
			return nil, domain.NewDecodeError("invalid v1 card", err)
		}
		return n.fromV1(&card, raw), nil
	default:
		return nil, domain.NewUnsupportedFormatError("no recognizable character schema", nil)
	}
}

func (n *Normalizer) fromV2(card *cardV2, raw []byte) *domain.Character {
	d := card.Data
	return &domain.Character{
		ID:      n.ids.NewID(),
		Name:    nameOrPlaceholder(d.Name),
		Tags:    d.Tags,
		Creator: d.Creator,
		Persona: domain.Persona{
			Description:        d.Description,
			Personality:        d.Personality,
			Scenario:           d.Scenario,
			FirstMessage:       d.FirstMes,
			AlternateGreetings: d.AlternateGreetings,
			ExampleDialogue:    d.MesExample,
		},
		System: domain.System{
			SystemPrompt: d.SystemPrompt,
		},
		Provenance: domain.Provenance{
			OriginalFormat: domain.FormatV2,
			OriginalData:   json.RawMessage(bytes.Clone(raw)),
		},
		CreatedAt: n.now(),
	}
}

func (n *Normalizer) fromV1(card *cardV1, raw []byte) *domain.Character {
	return &domain.Character{
		ID:   n.ids.NewID(),
		Name: nameOrPlaceholder(card.Name),
		Persona: domain.Persona{
			Description:     card.Description,
			Personality:     card.Personality,
			Scenario:        card.Scenario,
			FirstMessage:    card.FirstMes,
			ExampleDialogue: card.MesExample,
		},
		Provenance: domain.Provenance{
			OriginalFormat: domain.FormatV1,
			OriginalData:   json.RawMessage(bytes.Clone(raw)),
		},
		CreatedAt: n.now(),
	}
}

func nameOrPlaceholder(name string) string {
	if strings.TrimSpace(name) == "" {
		return domain.PlaceholderName
	}
	return name
}

// stringValue returns the JSON string in raw, or "" for any other JSON value.
func stringValue(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
