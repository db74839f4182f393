// Package crypto implements the authenticated-encryption envelope that
// wraps every non-bootstrap message exchanged with the service.
//
// The wire format is seq:u32 LE | iv:12 | mac:16 | ciphertext. The
// plaintext inside the ciphertext starts with a second copy of the
// sequence number; a mismatch between the two copies is a tamper signal.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the byte size of the curve25519 keys and the derived
	// shared secret.
	KeySize = 32

	seqSize = 4
	ivSize  = 12
	macSize = 16

	// Overhead is the number of bytes the envelope adds to a plaintext:
	// outer sequence, IV, MAC and the inner sequence copy.
	Overhead = seqSize + ivSize + macSize + seqSize
)

var (
	// ErrCryptoFailure is returned when a cryptographic primitive fails,
	// including authentication failure on decrypt.
	ErrCryptoFailure = errors.New("crypto: operation failed")

	// ErrSequenceMismatch is returned when the decrypted inner sequence
	// number does not equal the envelope's outer sequence number.
	ErrSequenceMismatch = errors.New("crypto: sequence number mismatch")

	// ErrFrameTooShort is returned for frames smaller than the envelope
	// header plus the inner sequence copy.
	ErrFrameTooShort = errors.New("crypto: frame too short")
)

// Envelope encrypts and decrypts session messages. It is stateless with
// respect to sequence numbers; callers supply them and enforce
// monotonicity per direction.
type Envelope struct {
	aead cipher.AEAD
	drbg *drbg
}

// New derives the session's shared secret from the base64 curve25519
// key material and prepares the AEAD and the IV generator.
func New(clientPublicKey, clientPrivateKey, peerPublicKey string) (*Envelope, error) {
	if _, err := decodeKey(clientPublicKey); err != nil {
		return nil, fmt.Errorf("client public key: %w", err)
	}
	priv, err := decodeKey(clientPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("client private key: %w", err)
	}
	pub, err := decodeKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("peer public key: %w", err)
	}

	// Keys are little-endian scalars. X25519 clamping: clear bits 0..2,
	// clear bit 255, set bit 254.
	priv[0] &= 0xf8
	priv[31] &= 0x7f
	priv[31] |= 0x40

	secret, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	drbg, err := newDRBG(secret)
	if err != nil {
		return nil, err
	}
	return &Envelope{aead: aead, drbg: drbg}, nil
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrCryptoFailure, len(key), KeySize)
	}
	return key, nil
}

// Encrypt wraps plaintext into an envelope frame under the given
// sequence number.
func (e *Envelope) Encrypt(seq uint32, plaintext []byte) ([]byte, error) {
	inner := make([]byte, seqSize+len(plaintext))
	binary.LittleEndian.PutUint32(inner, seq)
	copy(inner[seqSize:], plaintext)

	frame := make([]byte, seqSize+ivSize+macSize, seqSize+ivSize+macSize+len(inner)+macSize)
	binary.LittleEndian.PutUint32(frame, seq)
	iv := frame[seqSize : seqSize+ivSize]
	if err := e.drbg.Read(iv); err != nil {
		return nil, err
	}

	sealed := e.aead.Seal(nil, iv, inner, nil)
	ct, mac := sealed[:len(sealed)-macSize], sealed[len(sealed)-macSize:]
	copy(frame[seqSize+ivSize:], mac)
	return append(frame, ct...), nil
}

// Decrypt unwraps an envelope frame, verifying authenticity and the
// inner sequence copy. It returns the outer sequence number and the
// plaintext without the inner sequence prefix.
func (e *Envelope) Decrypt(frame []byte) (uint32, []byte, error) {
	if len(frame) < seqSize+ivSize+macSize+seqSize {
		return 0, nil, ErrFrameTooShort
	}
	seq := binary.LittleEndian.Uint32(frame)
	iv := frame[seqSize : seqSize+ivSize]
	mac := frame[seqSize+ivSize : seqSize+ivSize+macSize]
	ct := frame[seqSize+ivSize+macSize:]

	sealed := make([]byte, 0, len(ct)+macSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, mac...)

	inner, err := e.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return 0, nil, ErrCryptoFailure
	}
	if binary.LittleEndian.Uint32(inner) != seq {
		return 0, nil, ErrSequenceMismatch
	}
	return seq, inner[seqSize:], nil
}

// drbg is an AES-256-CTR deterministic random bit generator producing
// envelope IVs, seeded from system entropy with the shared secret mixed
// in as additional input.
type drbg struct {
	mu      sync.Mutex
	block   cipher.Block
	counter [aes.BlockSize]byte
	stream  [aes.BlockSize]byte
	used    int
}

func newDRBG(secret []byte) (*drbg, error) {
	entropy := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, entropy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	seed := sha256.Sum256(append(entropy, secret...))
	block, err := aes.NewCipher(seed[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return &drbg{block: block, used: aes.BlockSize}, nil
}

// Read fills p with generator output.
func (d *drbg) Read(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(p) > 0 {
		if d.used == aes.BlockSize {
			for i := len(d.counter) - 1; i >= 0; i-- {
				d.counter[i]++
				if d.counter[i] != 0 {
					break
				}
			}
			d.block.Encrypt(d.stream[:], d.counter[:])
			d.used = 0
		}
		n := copy(p, d.stream[d.used:])
		d.used += n
		p = p[n:]
	}
	return nil
}
