package vaultfs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/absfs/vaultfs/backend"
	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

var (
	headerAADPrefix = []byte("header")
	chunkAADPrefix  = []byte("chunk")
)

// fileCipher seals the chunks of one file version. Its key is derived
// from the content key and the file's nonce seed, so rotating the seed
// starts a fresh key and nonce space.
type fileCipher struct {
	id     NodeID
	engine CipherEngine
}

func (v *vault) newFileCipher(id NodeID, h *FileHeader) (*fileCipher, error) {
	key := make([]byte, 32)
	info := append([]byte(kdfPrefix+"chunk"), id[:]...)
	r := hkdf.New(sha256.New, v.contentKey.Bytes(), h.Seed[:], info)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive chunk key: %w", err)
	}
	defer memguard.WipeBytes(key)

	engine, err := NewCipherEngine(v.scheme, key)
	if err != nil {
		return nil, err
	}
	return &fileCipher{id: id, engine: engine}, nil
}

// chunkNonce is index (big endian) followed by counter (big endian)
func chunkNonce(index uint64, counter uint32) []byte {
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint64(nonce[:8], index)
	binary.BigEndian.PutUint32(nonce[8:], counter)
	return nonce
}

// chunkAAD binds a chunk to its file and position
func chunkAAD(id NodeID, index uint64) []byte {
	aad := make([]byte, 0, len(chunkAADPrefix)+len(id)+8)
	aad = append(aad, chunkAADPrefix...)
	aad = append(aad, id[:]...)
	return binary.BigEndian.AppendUint64(aad, index)
}

func (fc *fileCipher) encryptChunk(index uint64, counter uint32, plaintext []byte) ([]byte, error) {
	hdr := &chunkEntryHeader{Counter: counter, Nonce: chunkNonce(index, counter)}

	ciphertext, err := fc.engine.Encrypt(hdr.Nonce, plaintext, chunkAAD(fc.id, index))
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, ChunkEntryHeaderSize+len(ciphertext)))
	if _, err := hdr.WriteTo(buf); err != nil {
		return nil, err
	}
	buf.Write(ciphertext)
	return buf.Bytes(), nil
}

// decryptChunk opens a stored chunk. The stored nonce must equal the one
// derived from index and counter, so a chunk moved to another index or
// replayed with a forged counter fails authentication.
func (fc *fileCipher) decryptChunk(index uint64, entry []byte) ([]byte, uint32, error) {
	if len(entry) < ChunkEntryHeaderSize+fc.engine.Overhead() {
		return nil, 0, ErrAuthFailed
	}

	var hdr chunkEntryHeader
	if _, err := hdr.ReadFrom(bytes.NewReader(entry)); err != nil {
		return nil, 0, ErrAuthFailed
	}
	if !bytes.Equal(hdr.Nonce, chunkNonce(index, hdr.Counter)) {
		return nil, 0, ErrAuthFailed
	}

	plaintext, err := fc.engine.Decrypt(hdr.Nonce, entry[ChunkEntryHeaderSize:], chunkAAD(fc.id, index))
	if err != nil {
		return nil, 0, ErrAuthFailed
	}
	return plaintext, hdr.Counter, nil
}

// storedCounter reads the write counter of a chunk entry, reporting false
// when the entry does not exist
func (v *vault) storedCounter(ctx context.Context, id NodeID, index uint64) (uint32, bool, error) {
	name := v.chunkName(id, index)
	buf := make([]byte, ChunkEntryHeaderSize)

	n, err := v.be.ReadAt(ctx, name, buf, 0)
	switch {
	case errors.Is(err, backend.ErrNotExist):
		return 0, false, nil
	case err != nil && !errors.Is(err, io.EOF):
		return 0, false, NewIOError("read", name, err)
	case n < len(buf):
		return 0, false, &CorruptionError{Name: name, Message: "truncated chunk entry"}
	}

	var hdr chunkEntryHeader
	if _, err := hdr.ReadFrom(bytes.NewReader(buf)); err != nil {
		return 0, false, &CorruptionError{Name: name, Message: err.Error()}
	}
	return hdr.Counter, true, nil
}

// writeChunk seals plaintext as the next version of chunk index. The
// counter is re-read from the backend under the chunk lock, so counters
// only grow even across handles and processes.
func (v *vault) writeChunk(ctx context.Context, fc *fileCipher, index uint64, plaintext []byte) error {
	unlock, err := v.locker.Lock(ctx, fmt.Sprintf("chunk/%s/%d", fc.id, index))
	if err != nil {
		return err
	}
	defer unlock()

	stored, exists, err := v.storedCounter(ctx, fc.id, index)
	if err != nil {
		return err
	}

	var counter uint32
	if exists {
		if stored == math.MaxUint32 {
			return fmt.Errorf("chunk %d: %w", index, ErrNonceExhausted)
		}
		counter = stored + 1
	}

	entry, err := fc.encryptChunk(index, counter, plaintext)
	if err != nil {
		return NewEncryptionError("encrypt chunk", fc.id.String(), err)
	}

	name := v.chunkName(fc.id, index)
	if err := v.be.WriteFile(ctx, name, entry); err != nil {
		return NewIOError("write", name, err)
	}
	return nil
}

// readChunk returns the decrypted chunk, or ok=false if it is not stored
func (v *vault) readChunk(ctx context.Context, fc *fileCipher, index uint64) ([]byte, uint32, bool, error) {
	name := v.chunkName(fc.id, index)
	entry, err := v.be.ReadFile(ctx, name)
	if errors.Is(err, backend.ErrNotExist) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, NewIOError("read", name, err)
	}

	plaintext, counter, err := fc.decryptChunk(index, entry)
	if err != nil {
		return nil, 0, false, err
	}
	return plaintext, counter, true, nil
}

// sealFileHeader encrypts a file header for node id
func (v *vault) sealFileHeader(id NodeID, h *FileHeader) ([]byte, error) {
	nonce, err := GenerateNonce(NonceSize)
	if err != nil {
		return nil, err
	}
	h.Nonce = nonce

	buf := new(bytes.Buffer)
	if _, err := h.writePrefix(buf); err != nil {
		return nil, err
	}

	aad := append(append([]byte{}, headerAADPrefix...), id[:]...)
	ciphertext, err := v.content.Encrypt(nonce, h.marshalPayload(), aad)
	if err != nil {
		return nil, err
	}
	buf.Write(ciphertext)
	return buf.Bytes(), nil
}

// openFileHeader decrypts and validates a stored file header
func (v *vault) openFileHeader(id NodeID, raw []byte) (*FileHeader, error) {
	name := v.headerName(id)

	h := &FileHeader{}
	r := bytes.NewReader(raw)
	if _, err := h.readPrefix(r); err != nil {
		return nil, &CorruptionError{Name: name, Message: err.Error()}
	}
	if h.Scheme != v.scheme {
		return nil, &CorruptionError{Name: name, Message: fmt.Sprintf("file scheme %s does not match vault scheme %s", h.Scheme, v.scheme)}
	}

	aad := append(append([]byte{}, headerAADPrefix...), id[:]...)
	payload, err := v.content.Decrypt(h.Nonce, raw[fileHeaderPrefixSize:], aad)
	if err != nil {
		return nil, err
	}
	if err := h.unmarshalPayload(payload); err != nil {
		return nil, &CorruptionError{Name: name, Message: err.Error()}
	}
	if int(h.ChunkSize) != v.chunkSize {
		return nil, &CorruptionError{Name: name, Message: fmt.Sprintf("file chunk size %d does not match vault chunk size %d", h.ChunkSize, v.chunkSize)}
	}
	return h, nil
}

func (v *vault) readFileHeader(ctx context.Context, id NodeID) (*FileHeader, error) {
	name := v.headerName(id)
	raw, err := v.be.ReadFile(ctx, name)
	if err != nil {
		if errors.Is(err, backend.ErrNotExist) {
			return nil, &CorruptionError{Name: name, Message: "file header missing"}
		}
		return nil, NewIOError("read", name, err)
	}
	return v.openFileHeader(id, raw)
}

func (v *vault) writeFileHeader(ctx context.Context, id NodeID, h *FileHeader) error {
	raw, err := v.sealFileHeader(id, h)
	if err != nil {
		return NewEncryptionError("seal file header", id.String(), err)
	}
	name := v.headerName(id)
	if err := v.be.WriteFile(ctx, name, raw); err != nil {
		return NewIOError("write", name, err)
	}
	return nil
}
