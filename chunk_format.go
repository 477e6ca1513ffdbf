package vaultfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// File node layout. Everything below a node location is opaque to the
// backend:
//
// <loc>/file.header
// ┌─────────────────────────────────────┐
// │ Magic (uint32)                      │
// │ Version (uint8)                     │
// │ Scheme (uint8)                      │
// │ Nonce (12 bytes)                    │
// ├─────────────────────────────────────┤
// │ AEAD(content key, AAD=header‖id)    │
// │ - Nonce seed (32 bytes)             │
// │ - Plaintext length (uint64)         │
// │ - Chunk size (uint32)               │
// └─────────────────────────────────────┘
//
// <loc>/<16-hex index>.chunk
// ┌─────────────────────────────────────┐
// │ Write counter (uint32)              │
// │ Nonce (12 bytes) = index ‖ counter  │
// ├─────────────────────────────────────┤
// │ Ciphertext + Auth Tag               │
// └─────────────────────────────────────┘

const (
	// FileMagic identifies file node headers (ASCII: "VFNH")
	FileMagic = uint32(0x56464E48)

	// FileFormatVersion is the current file node format version
	FileFormatVersion = uint8(1)

	// SeedSize is the size of the per-file nonce seed
	SeedSize = 32

	// NonceSize is the AEAD nonce size of every supported scheme
	NonceSize = 12

	// fileHeaderPrefixSize is magic + version + scheme + nonce
	fileHeaderPrefixSize = 4 + 1 + 1 + NonceSize

	// fileHeaderPayloadSize is seed + length + chunk size
	fileHeaderPayloadSize = SeedSize + 8 + 4

	// ChunkEntryHeaderSize is counter + nonce
	ChunkEntryHeaderSize = 4 + NonceSize
)

// FileHeader is the decoded header of a file node
type FileHeader struct {
	Magic   uint32       // Magic bytes to identify file nodes
	Version uint8        // File node format version
	Scheme  CipherScheme // Content scheme of the vault
	Nonce   []byte       // Nonce sealing the payload

	Seed      [SeedSize]byte // Per-file chunk key salt, rotated on truncate to zero
	Length    uint64         // Authenticated plaintext length
	ChunkSize uint32         // Plaintext bytes per chunk
}

// newFileHeader creates an empty file header with a fresh seed
func newFileHeader(scheme CipherScheme, chunkSize int) (*FileHeader, error) {
	h := &FileHeader{
		Magic:     FileMagic,
		Version:   FileFormatVersion,
		Scheme:    scheme,
		ChunkSize: uint32(chunkSize),
	}
	if err := h.rotateSeed(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *FileHeader) rotateSeed() error {
	seed, err := GenerateNonce(SeedSize)
	if err != nil {
		return fmt.Errorf("failed to generate seed: %w", err)
	}
	copy(h.Seed[:], seed)
	return nil
}

// writePrefix writes the plaintext part of the header
func (h *FileHeader) writePrefix(w io.Writer) (int64, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h.Magic); err != nil {
		return 0, fmt.Errorf("failed to write magic bytes: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Version); err != nil {
		return 0, fmt.Errorf("failed to write version: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Scheme); err != nil {
		return 0, fmt.Errorf("failed to write scheme: %w", err)
	}
	if len(h.Nonce) != NonceSize {
		return 0, fmt.Errorf("header nonce must be %d bytes, got %d", NonceSize, len(h.Nonce))
	}
	buf.Write(h.Nonce)

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// readPrefix reads the plaintext part of the header
func (h *FileHeader) readPrefix(r io.Reader) (int64, error) {
	var totalRead int64

	if err := binary.Read(r, binary.LittleEndian, &h.Magic); err != nil {
		return totalRead, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	totalRead += 4
	if h.Magic != FileMagic {
		return totalRead, fmt.Errorf("invalid magic bytes: expected 0x%X, got 0x%X", FileMagic, h.Magic)
	}

	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return totalRead, fmt.Errorf("failed to read version: %w", err)
	}
	totalRead++
	if h.Version != FileFormatVersion {
		return totalRead, fmt.Errorf("unsupported file format version: %d", h.Version)
	}

	if err := binary.Read(r, binary.LittleEndian, &h.Scheme); err != nil {
		return totalRead, fmt.Errorf("failed to read scheme: %w", err)
	}
	totalRead++

	h.Nonce = make([]byte, NonceSize)
	n, err := io.ReadFull(r, h.Nonce)
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read nonce: %w", err)
	}

	return totalRead, nil
}

func (h *FileHeader) marshalPayload() []byte {
	out := make([]byte, fileHeaderPayloadSize)
	copy(out, h.Seed[:])
	binary.LittleEndian.PutUint64(out[SeedSize:], h.Length)
	binary.LittleEndian.PutUint32(out[SeedSize+8:], h.ChunkSize)
	return out
}

func (h *FileHeader) unmarshalPayload(p []byte) error {
	if len(p) != fileHeaderPayloadSize {
		return fmt.Errorf("header payload must be %d bytes, got %d", fileHeaderPayloadSize, len(p))
	}
	copy(h.Seed[:], p[:SeedSize])
	h.Length = binary.LittleEndian.Uint64(p[SeedSize:])
	h.ChunkSize = binary.LittleEndian.Uint32(p[SeedSize+8:])
	return nil
}

// chunkEntryHeader prefixes every stored chunk
type chunkEntryHeader struct {
	Counter uint32 // Write counter of this chunk index
	Nonce   []byte // Nonce the chunk was sealed with
}

// WriteTo writes the chunk entry header to a writer
func (h *chunkEntryHeader) WriteTo(w io.Writer) (int64, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h.Counter); err != nil {
		return 0, fmt.Errorf("failed to write counter: %w", err)
	}
	if _, err := buf.Write(h.Nonce); err != nil {
		return 0, fmt.Errorf("failed to write nonce: %w", err)
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadFrom reads the chunk entry header from a reader
func (h *chunkEntryHeader) ReadFrom(r io.Reader) (int64, error) {
	var totalRead int64

	if err := binary.Read(r, binary.LittleEndian, &h.Counter); err != nil {
		return totalRead, fmt.Errorf("failed to read counter: %w", err)
	}
	totalRead += 4

	h.Nonce = make([]byte, NonceSize)
	n, err := io.ReadFull(r, h.Nonce)
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read nonce: %w", err)
	}

	return totalRead, nil
}

// CalculateChunkCount calculates how many chunks hold size bytes
func CalculateChunkCount(size int64, chunkSize int) uint64 {
	if size <= 0 {
		return 0
	}
	return uint64((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// chunkSpan returns the plaintext bytes chunk index holds in a file of
// the given length
func chunkSpan(length int64, chunkSize int, index uint64) int {
	start := int64(index) * int64(chunkSize)
	if start >= length {
		return 0
	}
	if rest := length - start; rest < int64(chunkSize) {
		return int(rest)
	}
	return chunkSize
}
