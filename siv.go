package vaultfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// sivSize is the length of the synthetic IV at the front of every sealed
// value
const sivSize = aes.BlockSize

// SIVEngine is deterministic authenticated encryption with AES-SIV
// (RFC 5297) over two AES-256 keys. Equal inputs seal to equal outputs.
// The vault relies on that for node locations, which are derived from
// sealed node IDs, and for wrapping the master key without a stored nonce.
type SIVEngine struct {
	macBlock cipher.Block
	ctrBlock cipher.Block

	// CMAC subkeys, fixed per key
	k1, k2 [sivSize]byte
}

// NewSIVEngine takes a 64-byte key. The first half keys S2V and the
// second half keys CTR. key is not retained and may be wiped afterwards.
func NewSIVEngine(key []byte) (*SIVEngine, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("AES-SIV requires a 64-byte key, got %d bytes", len(key))
	}

	macBlock, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, fmt.Errorf("failed to create S2V cipher: %w", err)
	}
	ctrBlock, err := aes.NewCipher(key[32:])
	if err != nil {
		return nil, fmt.Errorf("failed to create CTR cipher: %w", err)
	}

	e := &SIVEngine{macBlock: macBlock, ctrBlock: ctrBlock}
	var l [sivSize]byte
	macBlock.Encrypt(l[:], l[:])
	e.k1 = double(l)
	e.k2 = double(e.k1)
	return e, nil
}

// Encrypt returns the synthetic IV followed by the ciphertext. Every ad
// element is a separate S2V component, so the split of associated data
// matters as well as its bytes.
func (e *SIVEngine) Encrypt(plaintext []byte, ad ...[]byte) ([]byte, error) {
	v := e.s2v(plaintext, ad)
	out := make([]byte, sivSize+len(plaintext))
	copy(out, v[:])
	e.xorKeyStream(v, out[sivSize:], plaintext)
	return out, nil
}

// Decrypt opens a value sealed by Encrypt with the same associated data.
// Any mismatch fails with ErrAuthFailed.
func (e *SIVEngine) Decrypt(sealed []byte, ad ...[]byte) ([]byte, error) {
	if len(sealed) < sivSize {
		return nil, ErrAuthFailed
	}

	var v [sivSize]byte
	copy(v[:], sealed)
	plaintext := make([]byte, len(sealed)-sivSize)
	e.xorKeyStream(v, plaintext, sealed[sivSize:])

	want := e.s2v(plaintext, ad)
	if subtle.ConstantTimeCompare(v[:], want[:]) != 1 {
		clear(plaintext)
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// NonceSize is zero; the synthetic IV takes the place of a nonce
func (e *SIVEngine) NonceSize() int { return 0 }

func (e *SIVEngine) Overhead() int { return sivSize }

func (e *SIVEngine) s2v(plaintext []byte, ad [][]byte) [sivSize]byte {
	var zero [sivSize]byte
	d := e.cmac(zero[:])
	for _, a := range ad {
		d = double(d)
		m := e.cmac(a)
		subtle.XORBytes(d[:], d[:], m[:])
	}

	if len(plaintext) >= sivSize {
		t := make([]byte, len(plaintext))
		copy(t, plaintext)
		tail := t[len(t)-sivSize:]
		subtle.XORBytes(tail, tail, d[:])
		return e.cmac(t)
	}

	d = double(d)
	var t [sivSize]byte
	copy(t[:], plaintext)
	t[len(plaintext)] = 0x80
	subtle.XORBytes(t[:], t[:], d[:])
	return e.cmac(t[:])
}

// cmac is AES-CMAC (RFC 4493) under the S2V key
func (e *SIVEngine) cmac(msg []byte) [sivSize]byte {
	complete := len(msg) > 0 && len(msg)%sivSize == 0
	n := len(msg) / sivSize
	if complete {
		n--
	}

	var x [sivSize]byte
	for i := 0; i < n; i++ {
		subtle.XORBytes(x[:], x[:], msg[i*sivSize:(i+1)*sivSize])
		e.macBlock.Encrypt(x[:], x[:])
	}

	var last [sivSize]byte
	rest := msg[n*sivSize:]
	copy(last[:], rest)
	if complete {
		subtle.XORBytes(last[:], last[:], e.k1[:])
	} else {
		last[len(rest)] = 0x80
		subtle.XORBytes(last[:], last[:], e.k2[:])
	}
	subtle.XORBytes(x[:], x[:], last[:])
	e.macBlock.Encrypt(x[:], x[:])
	return x
}

// xorKeyStream runs AES-CTR from v with bits 31 and 63 cleared
func (e *SIVEngine) xorKeyStream(v [sivSize]byte, dst, src []byte) {
	v[8] &= 0x7f
	v[12] &= 0x7f
	cipher.NewCTR(e.ctrBlock, v[:]).XORKeyStream(dst, src)
}

// double multiplies b by x in GF(2^128)
func double(b [sivSize]byte) [sivSize]byte {
	hi := binary.BigEndian.Uint64(b[:8])
	lo := binary.BigEndian.Uint64(b[8:])

	var out [sivSize]byte
	binary.BigEndian.PutUint64(out[:8], hi<<1|lo>>63)
	binary.BigEndian.PutUint64(out[8:], lo<<1)
	if hi>>63 == 1 {
		out[sivSize-1] ^= 0x87
	}
	return out
}
