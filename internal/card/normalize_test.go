package card

import (
	"encoding/base64"
	"errors"
	"reflect"
	"testing"

	"github.com/tjfontaine/litetavern/internal/domain"
)

type fixedIDs struct {
	next int
}

func (f *fixedIDs) NewID() string {
	f.next++
	return "char-" + string(rune('0'+f.next))
}

const v2Card = `{
	"spec": "chara_card_v2",
	"spec_version": "2.0",
	"data": {
		"name": "Seraphina",
		"description": "A guardian of the forest.",
		"personality": "kind, protective",
		"scenario": "You wake up in a glade.",
		"first_mes": "You're awake!",
		"mes_example": "<START>\n{{char}}: Rest now.",
		"creator_notes": "notes",
		"system_prompt": "Write vividly.",
		"post_history_instructions": "Stay in character.",
		"tags": ["fantasy", "female"],
		"creator": "anon",
		"character_version": "1.1",
		"alternate_greetings": ["Hello again.", "Welcome back."]
	}
}`

const v1Card = `{
	"name": "Eve",
	"description": "d",
	"personality": "curious",
	"scenario": "lab",
	"first_mes": "Hi!",
	"mes_example": "Eve: hm."
}`

func TestNormalize_V2(t *testing.T) {
	n := NewNormalizer(&fixedIDs{})

	char, err := n.Normalize([]byte(v2Card))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if char.ID != "char-1" {
		t.Errorf("ID = %q, want char-1", char.ID)
	}
	if char.Name != "Seraphina" {
		t.Errorf("Name = %q", char.Name)
	}
	want := domain.Persona{
		Description:        "A guardian of the forest.",
		Personality:        "kind, protective",
		Scenario:           "You wake up in a glade.",
		FirstMessage:       "You're awake!",
		AlternateGreetings: []string{"Hello again.", "Welcome back."},
		ExampleDialogue:    "<START>\n{{char}}: Rest now.",
	}
	if !reflect.DeepEqual(char.Persona, want) {
		t.Errorf("Persona = %+v, want %+v", char.Persona, want)
	}
	if char.System.SystemPrompt != "Write vividly." {
		t.Errorf("SystemPrompt = %q", char.System.SystemPrompt)
	}
	if !reflect.DeepEqual(char.Tags, []string{"fantasy", "female"}) {
		t.Errorf("Tags = %v", char.Tags)
	}
	if char.Creator != "anon" {
		t.Errorf("Creator = %q", char.Creator)
	}
	if char.Provenance.OriginalFormat != domain.FormatV2 {
		t.Errorf("OriginalFormat = %q, want v2", char.Provenance.OriginalFormat)
	}
	if string(char.Provenance.OriginalData) != v2Card {
		t.Error("OriginalData does not hold the source card")
	}
}

func TestNormalize_V1(t *testing.T) {
	n := NewNormalizer(&fixedIDs{})

	char, err := n.Normalize([]byte(v1Card))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if char.Name != "Eve" {
		t.Errorf("Name = %q", char.Name)
	}
	if char.Persona.FirstMessage != "Hi!" {
		t.Errorf("FirstMessage = %q", char.Persona.FirstMessage)
	}
	if char.Persona.ExampleDialogue != "Eve: hm." {
		t.Errorf("ExampleDialogue = %q", char.Persona.ExampleDialogue)
	}
	if char.System.SystemPrompt != "" || char.Tags != nil || char.Persona.AlternateGreetings != nil {
		t.Errorf("v1 card carried v2-only fields: %+v", char)
	}
	if char.Provenance.OriginalFormat != domain.FormatV1 {
		t.Errorf("OriginalFormat = %q, want v1", char.Provenance.OriginalFormat)
	}
}

func TestNormalize_V2EmptyNameUsesPlaceholder(t *testing.T) {
	n := NewNormalizer(&fixedIDs{})

	char, err := n.Normalize([]byte(`{"spec":"chara_card_v2","data":{"name":"  "}}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if char.Name != domain.PlaceholderName {
		t.Errorf("Name = %q, want %q", char.Name, domain.PlaceholderName)
	}
}

func TestNormalize_FreshIDs(t *testing.T) {
	n := NewNormalizer(nil)

	a, err := n.Normalize([]byte(v1Card))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	b, err := n.Normalize([]byte(`{"id":"from-source","name":"Eve","description":"d"}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("IDs not fresh: %q, %q", a.ID, b.ID)
	}
	if b.ID == "from-source" {
		t.Error("ID copied from source card")
	}
	if a.ID >= b.ID {
		t.Errorf("IDs not increasing: %q >= %q", a.ID, b.ID)
	}
}

func TestNormalize_Errors(t *testing.T) {
	n := NewNormalizer(&fixedIDs{})

	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{name: "not json", payload: `{"name":`, want: domain.ErrDecode},
		{name: "array", payload: `[1,2]`, want: domain.ErrDecode},
		{name: "missing description", payload: `{"name":"Eve"}`, want: domain.ErrUnsupportedFormat},
		{name: "empty description", payload: `{"name":"Eve","description":""}`, want: domain.ErrUnsupportedFormat},
		{name: "other spec", payload: `{"spec":"chara_card_v3","data":{}}`, want: domain.ErrUnsupportedFormat},
		{name: "non-string name", payload: `{"name":5,"description":"d"}`, want: domain.ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			char, err := n.Normalize([]byte(tt.payload))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Normalize() error = %v, want %v", err, tt.want)
			}
			if char != nil {
				t.Errorf("Normalize() = %+v, want nil", char)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		payload string
		want    Schema
	}{
		{v2Card, SchemaV2},
		{v1Card, SchemaV1},
		{`{"spec":"chara_card_v2","name":"x","description":"y"}`, SchemaV2},
		{`{}`, SchemaUnknown},
	}

	for _, tt := range tests {
		got, err := Detect([]byte(tt.payload))
		if err != nil {
			t.Fatalf("Detect() error = %v", err)
		}
		if got != tt.want {
			t.Errorf("Detect() = %v, want %v", got, tt.want)
		}
	}
}

func TestDecodeEmbedded(t *testing.T) {
	payload := `{"name":"Eve","description":"d"}`
	std := base64.StdEncoding.EncodeToString([]byte(payload))
	raw := base64.RawStdEncoding.EncodeToString([]byte(payload + " "))

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "padded", in: std, want: payload},
		{name: "whitespace", in: "\n " + std + "\r\n", want: payload},
		{name: "unpadded", in: raw, want: payload + " "},
		{name: "empty", in: "", wantErr: true},
		{name: "garbage", in: "!!not base64!!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEmbedded([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, domain.ErrDecode) {
					t.Fatalf("DecodeEmbedded() error = %v, want decode error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeEmbedded() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("DecodeEmbedded() = %q, want %q", got, tt.want)
			}
		})
	}
}
