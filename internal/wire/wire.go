// Package wire implements the binary audio payload format shared by the
// speaker and microphone topics.
//
// A payload is a sequence of chunks:
//
//	length:u32 LE | type:u8 | count:u8 | reserved:u16 | data[length]
//
// For audio chunks (type 0) data is offset:u64 LE followed by count+1
// OPUS frames; for marker chunks data is a u32 marker.
package wire

import (
	"encoding/binary"
	"errors"
)

const (
	// HeaderSize is the byte size of a chunk header.
	HeaderSize = 8

	// OffsetSize is the byte size of the stream offset preceding audio
	// data.
	OffsetSize = 8

	// ChunkAudio is the chunk type carrying OPUS audio.
	ChunkAudio = 0
)

var (
	// ErrTruncated is returned when a payload ends mid-chunk.
	ErrTruncated = errors.New("wire: truncated chunk")

	// ErrChunkTooShort is returned when a chunk's data is smaller than
	// its type requires.
	ErrChunkTooShort = errors.New("wire: chunk data too short")
)

// Chunk is one parsed binary chunk.
type Chunk struct {
	Type  byte
	Count byte
	Data  []byte
}

// ParseChunks splits a decrypted payload into its chunks in order.
func ParseChunks(payload []byte) ([]Chunk, error) {
	var chunks []Chunk
	for len(payload) > 0 {
		if len(payload) < HeaderSize {
			return nil, ErrTruncated
		}
		length := binary.LittleEndian.Uint32(payload)
		typ := payload[4]
		count := payload[5]
		payload = payload[HeaderSize:]
		if uint32(len(payload)) < length {
			return nil, ErrTruncated
		}
		chunks = append(chunks, Chunk{Type: typ, Count: count, Data: payload[:length]})
		payload = payload[length:]
	}
	return chunks, nil
}

// Audio returns the stream offset and the packed OPUS frames of an
// audio chunk.
func (c Chunk) Audio() (offset uint64, opus []byte, err error) {
	if len(c.Data) < OffsetSize {
		return 0, nil, ErrChunkTooShort
	}
	return Uint64(c.Data), c.Data[OffsetSize:], nil
}

// Marker returns the marker value of a non-audio chunk.
func (c Chunk) Marker() (uint32, error) {
	if len(c.Data) < 4 {
		return 0, ErrChunkTooShort
	}
	return binary.LittleEndian.Uint32(c.Data), nil
}

// Uint64 reads a little-endian u64 as two u32 words. Offsets inside
// chunks are not naturally aligned, so no 8-byte loads on the source.
func Uint64(b []byte) uint64 {
	lo := binary.LittleEndian.Uint32(b)
	hi := binary.LittleEndian.Uint32(b[4:])
	return uint64(hi)<<32 | uint64(lo)
}

// PutUint64 writes a little-endian u64 as two u32 words.
func PutUint64(b []byte, v uint64) {
	binary.LittleEndian.PutUint32(b, uint32(v))
	binary.LittleEndian.PutUint32(b[4:], uint32(v>>32))
}

// AppendAudioChunk appends an audio chunk holding frames back-to-back
// OPUS frames to dst. The count field stores frames-1, so frames must
// be >= 1.
func AppendAudioChunk(dst []byte, offset uint64, frames int, opus []byte) []byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(OffsetSize+len(opus)))
	hdr[4] = ChunkAudio
	hdr[5] = byte(frames - 1)
	dst = append(dst, hdr[:]...)
	var off [OffsetSize]byte
	PutUint64(off[:], offset)
	dst = append(dst, off[:]...)
	return append(dst, opus...)
}

// AppendMarkerChunk appends a marker chunk to dst.
func AppendMarkerChunk(dst []byte, typ byte, marker uint32) []byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], 4)
	hdr[4] = typ
	dst = append(dst, hdr[:]...)
	var m [4]byte
	binary.LittleEndian.PutUint32(m[:], marker)
	return append(dst, m[:]...)
}

// MicrophoneMessage builds the plaintext of one microphone message: a
// single audio-style chunk whose data is offset:u64 followed by raw PCM.
func MicrophoneMessage(offset uint64, pcm []byte) []byte {
	msg := make([]byte, 0, HeaderSize+OffsetSize+len(pcm))
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(OffsetSize+len(pcm)))
	hdr[4] = ChunkAudio
	msg = append(msg, hdr[:]...)
	var off [OffsetSize]byte
	PutUint64(off[:], offset)
	msg = append(msg, off[:]...)
	return append(msg, pcm...)
}
