package aead

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
)

// Encryptor produces one direction's AEAD chunk stream: a salt (emitted
// with the first chunk) followed by length-prefixed, independently
// authenticated chunks, per spec §4.8.3.
type Encryptor struct {
	method    string
	masterKey []byte
	aead      cipher.AEAD
	nonce     []byte
	salt      []byte
	wroteSalt bool
}

// NewEncryptor returns an Encryptor for method using masterKey; the salt
// is generated here and emitted by the first call to Seal.
func NewEncryptor(method string, masterKey []byte) (*Encryptor, error) {
	s, ok := suites[method]
	if !ok {
		return nil, ErrUnknownMethod
	}
	salt := make([]byte, s.keySize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	subkey, err := deriveSubkey(method, masterKey, salt)
	if err != nil {
		return nil, err
	}
	a, err := s.newAEAD(subkey)
	if err != nil {
		return nil, err
	}
	return &Encryptor{
		method:    method,
		masterKey: masterKey,
		aead:      a,
		nonce:     make([]byte, a.NonceSize()),
		salt:      salt,
	}, nil
}

// Salt returns the per-direction salt that prefixes this Encryptor's
// stream. Seal writes it once, ahead of the first sealed chunk, so the
// caller does not write it separately.
func (e *Encryptor) Salt() []byte { return e.salt }

// Overhead returns the AEAD tag length.
func (e *Encryptor) Overhead() int { return e.aead.Overhead() }

// Seal appends one or more complete chunks encoding plaintext (split at
// MaxChunkSize boundaries) to dst, returning the extended slice. The
// first call also prepends the salt.
func (e *Encryptor) Seal(dst, plaintext []byte) []byte {
	if !e.wroteSalt {
		dst = append(dst, e.salt...)
		e.wroteSalt = true
	}
	for len(plaintext) > 0 {
		n := len(plaintext)
		if n > MaxChunkSize {
			n = MaxChunkSize
		}
		chunk := plaintext[:n]
		plaintext = plaintext[n:]

		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(n))
		dst = e.aead.Seal(dst, e.nonce, lenBuf[:], nil)
		incNonce(e.nonce)
		dst = e.aead.Seal(dst, e.nonce, chunk, nil)
		incNonce(e.nonce)
	}
	return dst
}

// SealedLen returns the number of bytes Seal would append for a plaintext
// of length n, not counting a not-yet-emitted salt.
func (e *Encryptor) SealedLen(n int) int {
	overhead := e.Overhead()
	chunks := (n + MaxChunkSize - 1) / MaxChunkSize
	if n == 0 {
		chunks = 0
	}
	return chunks*(2+overhead+overhead) + n
}
