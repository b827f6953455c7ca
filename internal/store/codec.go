package store

import (
	"encoding/binary"
	"math"
)

// encodeVector packs a float32 vector into little-endian bytes for BLOB
// storage. The inverse of decodeVector.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a BLOB produced by encodeVector.
// A ragged blob (length not divisible by 4) yields the truncated prefix;
// ingest validation rejects such rows before they are stored.
func decodeVector(b []byte) []float32 {
	n := len(b) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
