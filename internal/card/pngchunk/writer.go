package pngchunk

import (
	"encoding/binary"
	"hash/crc32"
)

// TextChunk builds a tEXt chunk holding keyword and text.
func TextChunk(keyword, text string) Chunk {
	data := make([]byte, 0, len(keyword)+1+len(text))
	data = append(data, keyword...)
	data = append(data, 0)
	data = append(data, text...)
	return Chunk{Type: typeText, Data: data}
}

// Build serializes a container: signature, the given chunks, then IEND.
func Build(chunks ...Chunk) []byte {
	out := append([]byte{}, Signature...)
	for _, c := range chunks {
		out = appendChunk(out, c)
	}
	return appendChunk(out, Chunk{Type: typeEnd})
}

func appendChunk(out []byte, c Chunk) []byte {
	out = binary.BigEndian.AppendUint32(out, uint32(len(c.Data)))
	start := len(out)
	out = append(out, c.Type...)
	out = append(out, c.Data...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out[start:]))
}
