// Package aead implements the Shadowsocks AEAD stream format of spec
// §4.8.3: a per-direction salt followed by length-prefixed, individually
// authenticated chunks, with subkeys derived via HKDF-SHA1 per chunk
// direction (spec §4.8.2's "TLS-style handshake").
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha1"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MaxChunkSize is the largest plaintext payload a single chunk may carry,
// per spec §4.8.1's "maximum frame (16383 bytes)".
const MaxChunkSize = 0x3FFF

var subkeyInfo = []byte("ss-subkey")

// Method names this package recognizes.
const (
	MethodAES128GCM       = "aes-128-gcm"
	MethodAES256GCM       = "aes-256-gcm"
	MethodChaCha20Poly1305 = "chacha20-ietf-poly1305"
)

// Errors returned by this package.
var (
	ErrUnknownMethod = errors.New("aead: unrecognized cipher method")
	ErrAuthFailed    = errors.New("aead: authentication failed")
)

type suite struct {
	keySize int
	newAEAD func(key []byte) (cipher.AEAD, error)
}

var suites = map[string]suite{
	MethodAES128GCM: {keySize: 16, newAEAD: newAESGCM},
	MethodAES256GCM: {keySize: 32, newAEAD: newAESGCM},
	MethodChaCha20Poly1305: {keySize: chacha20poly1305.KeySize, newAEAD: chacha20poly1305.New},
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// KeySize returns method's master-key length, or 0 if method is unknown.
func KeySize(method string) int {
	s, ok := suites[method]
	if !ok {
		return 0
	}
	return s.keySize
}

// SaltSize returns the per-direction salt length for method, which per
// spec §4.8.3 matches the cipher's key size.
func SaltSize(method string) int { return KeySize(method) }

// deriveSubkey implements the per-salt HKDF-SHA1 subkey expansion shared
// by every Shadowsocks AEAD method.
func deriveSubkey(method string, masterKey, salt []byte) ([]byte, error) {
	s, ok := suites[method]
	if !ok {
		return nil, ErrUnknownMethod
	}
	sub := make([]byte, s.keySize)
	r := hkdf.New(sha1.New, masterKey, salt, subkeyInfo)
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// DeriveKey turns a user-supplied password into method's master key using
// OpenSSL's EVP_BytesToKey convention (repeated MD5 hashing of the
// previous digest concatenated with the password, truncated to the
// method's key size). This is the same derivation shadowsocks-libev's
// ss_encrypt_all/enc_key_init path applies to a configured password
// before any AEAD operation, so a password configured here interops with
// a password configured against an unmodified shadowsocks-libev peer.
func DeriveKey(method, password string) ([]byte, error) {
	s, ok := suites[method]
	if !ok {
		return nil, ErrUnknownMethod
	}
	return evpBytesToKey(password, s.keySize), nil
}

func evpBytesToKey(password string, keyLen int) []byte {
	pwd := []byte(password)
	var key, prev []byte
	for len(key) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write(pwd)
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:keyLen]
}

func incNonce(nonce []byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}
