package pngchunk

import (
	"errors"
	"testing"

	"github.com/tjfontaine/litetavern/internal/domain"
)

func TestScan_FindsCardChunk(t *testing.T) {
	buf := Build(
		Chunk{Type: "IHDR", Data: make([]byte, 13)},
		TextChunk("Software", "paint"),
		TextChunk("chara", "eyJuYW1lIjoiRXZlIn0="),
	)

	rec, err := Scan(buf)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if rec == nil {
		t.Fatal("Scan() = nil, want record")
	}
	if rec.Keyword != "chara" {
		t.Errorf("Keyword = %q, want chara", rec.Keyword)
	}
	if string(rec.Payload) != "eyJuYW1lIjoiRXZlIn0=" {
		t.Errorf("Payload = %q", rec.Payload)
	}
}

func TestScan_FirstMatchWins(t *testing.T) {
	buf := Build(
		TextChunk("chara", "first"),
		TextChunk("chara", "second"),
	)

	rec, err := Scan(buf)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if string(rec.Payload) != "first" {
		t.Errorf("Payload = %q, want first", rec.Payload)
	}
}

func TestScan_NoCard(t *testing.T) {
	buf := Build(Chunk{Type: "IDAT", Data: []byte{1, 2, 3}})

	rec, err := Scan(buf)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if rec != nil {
		t.Errorf("Scan() = %+v, want nil", rec)
	}
}

func TestScan_StopsAtIEND(t *testing.T) {
	buf := Build()
	buf = appendChunk(buf, TextChunk("chara", "after-end"))

	rec, err := Scan(buf)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if rec != nil {
		t.Errorf("Scan() = %+v, want nil", rec)
	}
}

func TestScan_FormatErrors(t *testing.T) {
	valid := Build(TextChunk("chara", "payload"))

	tests := []struct {
		name string
		buf  []byte
	}{
		{name: "empty", buf: nil},
		{name: "short", buf: Signature[:4]},
		{name: "bad signature", buf: append([]byte("GIF89a.."), valid[8:]...)},
		{name: "truncated header", buf: append(append([]byte{}, Signature...), 0, 0, 0)},
		{name: "truncated payload", buf: valid[:len(Signature)+10]},
		{name: "oversized length", buf: append(append([]byte{}, Signature...), 0xFF, 0xFF, 0xFF, 0xFF, 't', 'E', 'X', 't')},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Scan(tt.buf)
			if !errors.Is(err, domain.ErrFormat) {
				t.Fatalf("Scan() error = %v, want format error", err)
			}
			if rec != nil {
				t.Errorf("Scan() = %+v, want nil", rec)
			}
		})
	}
}

func TestScan_SkipsTextWithoutKeyword(t *testing.T) {
	buf := Build(
		Chunk{Type: "tEXt", Data: []byte("no separator")},
		Chunk{Type: "tEXt", Data: []byte("\x00empty keyword")},
		TextChunk("chara", "ok"),
	)

	rec, err := Scan(buf)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if rec == nil || string(rec.Payload) != "ok" {
		t.Errorf("Scan() = %+v, want payload ok", rec)
	}
}

func TestWalk_VisitsChunksInOrder(t *testing.T) {
	buf := Build(
		Chunk{Type: "IHDR", Data: make([]byte, 13)},
		Chunk{Type: "IDAT", Data: []byte{0}},
	)

	var types []string
	if err := Walk(buf, func(c Chunk) bool {
		types = append(types, c.Type)
		return true
	}); err != nil {
		t.Fatalf("Walk() error = %v", err)
	}

	want := []string{"IHDR", "IDAT", "IEND"}
	if len(types) != len(want) {
		t.Fatalf("types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("types[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}
