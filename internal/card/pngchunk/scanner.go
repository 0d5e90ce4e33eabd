// Package pngchunk walks the chunk sequence of a PNG container and extracts the
// text metadata record that carries an embedded character card.
package pngchunk

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/tjfontaine/litetavern/internal/domain"
)

// Signature is the 8-byte magic every PNG file starts with.
var Signature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

const (
	// CardKeyword is the tEXt keyword under which character cards are stored.
	CardKeyword = "chara"

	typeText = "tEXt"
	typeEnd  = "IEND"

	// length + type + crc
	chunkOverhead = 12
)

// Record is a keyword/payload pair extracted from one text chunk.
type Record struct {
	Keyword string
	Payload []byte
}

// Chunk describes one raw chunk of the container.
type Chunk struct {
	Type string
	Data []byte
}

// Scan returns the first tEXt record whose keyword is CardKeyword.
// It returns (nil, nil) when the container is well formed but carries no card.
func Scan(buf []byte) (*Record, error) {
	return ScanKeyword(buf, CardKeyword)
}

// ScanKeyword returns the first tEXt record with the given keyword. Later chunks
// with the same keyword are ignored.
func ScanKeyword(buf []byte, keyword string) (*Record, error) {
	var found *Record
	err := Walk(buf, func(c Chunk) bool {
		if c.Type != typeText {
			return true
		}
		rec, ok := splitText(c.Data)
		if !ok || rec.Keyword != keyword {
			return true
		}
		found = rec
		return false
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Walk verifies the signature and calls fn for every chunk until fn returns false,
// IEND is reached, or the buffer is exhausted. Chunk data aliases buf.
func Walk(buf []byte, fn func(Chunk) bool) error {
	if len(buf) < len(Signature) || !bytes.Equal(buf[:len(Signature)], Signature) {
		return domain.NewFormatError("missing PNG signature")
	}

	offset := len(Signature)
	for offset < len(buf) {
		if len(buf)-offset < 8 {
			return domain.NewFormatError("truncated chunk header at offset %d", offset)
		}

		length := binary.BigEndian.Uint32(buf[offset : offset+4])
		if length > math.MaxInt32 {
			return domain.NewFormatError("chunk length %d exceeds limit at offset %d", length, offset)
		}
		typ := string(buf[offset+4 : offset+8])

		end := offset + chunkOverhead + int(length)
		if end > len(buf) {
			return domain.NewFormatError("truncated %s chunk at offset %d", typ, offset)
		}

		if !fn(Chunk{Type: typ, Data: buf[offset+8 : offset+8+int(length)]}) {
			return nil
		}
		if typ == typeEnd {
			return nil
		}
		offset = end
	}
	return nil
}

// splitText splits a tEXt payload into keyword and text at the first zero byte.
func splitText(data []byte) (*Record, bool) {
	i := bytes.IndexByte(data, 0)
	if i <= 0 {
		return nil, false
	}
	return &Record{
		Keyword: string(data[:i]),
		Payload: data[i+1:],
	}, true
}
