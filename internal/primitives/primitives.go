// Package primitives is a thin, pure, stateless wrapper over the
// libsodium-class operations the rest of the core depends on: random bytes,
// a generic hash, a symmetric AEAD (XChaCha20-Poly1305), sealed-box
// encrypt/decrypt, signature sign/verify, and key derivation.
//
// It is grounded on the same curve25519/chacha20poly1305/hkdf combination
// used in internal/security/signal.go for key agreement and in the sealed
// box implementation this SDK's sealing scheme follows (ephemeral X25519 key
// + HKDF-derived symmetric key + AEAD, the construction libsodium's
// crypto_box_seal itself uses).
package primitives

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size in bytes of a symmetric content key and of an
	// X25519 public or private key.
	KeySize = 32

	// XChaChaNonceSize is the nonce size of XChaCha20-Poly1305.
	XChaChaNonceSize = chacha20poly1305.NonceSizeX

	// MACSize is the Poly1305 authentication tag size.
	MACSize = 16

	// SignPublicKeySize and SignPrivateKeySize are the Ed25519 key sizes.
	SignPublicKeySize  = ed25519.PublicKeySize
	SignPrivateKeySize = ed25519.PrivateKeySize
	SignatureSize      = ed25519.SignatureSize

	// SealOverhead is the total overhead a sealed box adds to its plaintext:
	// an ephemeral X25519 public key, an HKDF-derived-key AEAD nonce, and the
	// Poly1305 tag.
	SealOverhead = KeySize + XChaChaNonceSize + MACSize

	sealedBoxHKDFInfo = "tanker-core/sealed-box/v1"
)

var ErrInvalidKeySize = errors.New("primitives: invalid key size")

// RandomBytes fills and returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("primitives: read random bytes: %w", err)
	}
	return b, nil
}

// GenericHash computes a BLAKE2b hash of data truncated/sized to outLen
// bytes. This is the "generic_hash" of spec.md's data model, used to derive
// a streaming resource's ID from its content key.
func GenericHash(data []byte, outLen int) ([]byte, error) {
	h, err := blake2b.New(outLen, nil)
	if err != nil {
		return nil, fmt.Errorf("primitives: new blake2b hash: %w", err)
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// EncryptionKeyPair is an X25519 key pair used for sealed-box encryption and for
// the group/user/provisional encryption key hierarchy.
type EncryptionKeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateEncryptionKeyPair generates a fresh X25519 key pair, clamped per
// the Curve25519 specification.
func GenerateEncryptionKeyPair() (EncryptionKeyPair, error) {
	var priv [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return EncryptionKeyPair{}, fmt.Errorf("primitives: generate encryption key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	var pub [KeySize]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return EncryptionKeyPair{Public: pub, Private: priv}, nil
}

// SignatureKeyPair is an Ed25519 key pair used to sign control records
// (group creation/addition, provisional claims).
type SignatureKeyPair struct {
	Public  [SignPublicKeySize]byte
	Private [SignPrivateKeySize]byte
}

// GenerateSignatureKeyPair generates a fresh Ed25519 key pair.
func GenerateSignatureKeyPair() (SignatureKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SignatureKeyPair{}, fmt.Errorf("primitives: generate signature key: %w", err)
	}
	var kp SignatureKeyPair
	copy(kp.Public[:], pub)
	copy(kp.Private[:], priv)
	return kp, nil
}

// Sign signs message with priv and returns the detached signature.
func Sign(priv [SignPrivateKeySize]byte, message []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv[:]), message)
}

// Verify checks a detached signature against message and pub.
func Verify(pub [SignPublicKeySize]byte, message, signature []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), message, signature)
}

// GenerateContentKey draws a fresh random 32-byte symmetric content key.
func GenerateContentKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, fmt.Errorf("primitives: generate content key: %w", err)
	}
	return key, nil
}

// AEADEncrypt seals plaintext with XChaCha20-Poly1305 under key, using the
// given 24-byte nonce and optional associated data. The returned slice is
// ciphertext || 16-byte tag, with no nonce prepended (callers that need the
// nonce transmitted embed it in their own framing, per spec.md's per-format
// layouts).
func AEADEncrypt(key [KeySize]byte, nonce [XChaChaNonceSize]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("primitives: new aead: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// AEADDecrypt opens a ciphertext produced by AEADEncrypt.
func AEADDecrypt(key [KeySize]byte, nonce [XChaChaNonceSize]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("primitives: new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("primitives: aead open: %w", err)
	}
	return plaintext, nil
}

// DeriveIV deterministically derives a 24-byte XChaCha20 nonce from a
// per-chunk random seed and the chunk's index, per spec.md §4.3: "iv =
// derive(ivSeed, i)". HKDF over BLAKE2b-256 (the same construction the
// sealed-box key derivation uses) over the seed, with the big-endian chunk
// index as info,
// produces a fresh 24-byte value per chunk even though the seed itself is
// reused nowhere else.
func DeriveIV(seed [24]byte, chunkIndex uint64) ([XChaChaNonceSize]byte, error) {
	info := make([]byte, 8)
	for i := 0; i < 8; i++ {
		info[i] = byte(chunkIndex >> (8 * (7 - i)))
	}
	reader := hkdf.New(blake2b.New256, seed[:], nil, info)
	var iv [XChaChaNonceSize]byte
	if _, err := io.ReadFull(reader, iv[:]); err != nil {
		return iv, fmt.Errorf("primitives: derive iv: %w", err)
	}
	return iv, nil
}

// sealedBoxKey derives the symmetric key shared between a sealed-box sender
// and a recipient from their ECDH shared secret, binding in both public
// keys so the derivation can't be confused across recipients.
func sealedBoxKey(sharedSecret [KeySize]byte, ephemeralPub, recipientPub [KeySize]byte) ([KeySize]byte, error) {
	salt := make([]byte, 0, KeySize*2)
	salt = append(salt, ephemeralPub[:]...)
	salt = append(salt, recipientPub[:]...)

	reader := hkdf.New(blake2b.New256, sharedSecret[:], salt, []byte(sealedBoxHKDFInfo))
	var key [KeySize]byte
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("primitives: derive sealed box key: %w", err)
	}
	return key, nil
}

// SealedBoxEncrypt seals plaintext so that only the holder of recipientPriv
// (matching recipientPub) can open it; this is the "sealed_box" primitive of
// spec.md's data model. A fresh ephemeral X25519 key pair is generated for
// every call, which is what makes the construction anonymous: the output
// carries no information about the sender. Layout:
//
//	ephemeral_public(32) || nonce(24) || ciphertext || tag(16)
func SealedBoxEncrypt(recipientPub [KeySize]byte, plaintext []byte) ([]byte, error) {
	ephemeral, err := GenerateEncryptionKeyPair()
	if err != nil {
		return nil, fmt.Errorf("primitives: sealed box ephemeral key: %w", err)
	}

	var shared [KeySize]byte
	curve25519.ScalarMult(&shared, &ephemeral.Private, &recipientPub)
	if isZero(shared[:]) {
		return nil, errors.New("primitives: sealed box ECDH produced a low-order point")
	}

	key, err := sealedBoxKey(shared, ephemeral.Public, recipientPub)
	if err != nil {
		return nil, err
	}

	var nonce [XChaChaNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("primitives: sealed box nonce: %w", err)
	}

	sealed := make([]byte, 0, SealOverhead+len(plaintext))
	sealed = append(sealed, ephemeral.Public[:]...)
	sealed = append(sealed, nonce[:]...)

	ct, err := AEADEncrypt(key, nonce, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("primitives: sealed box seal: %w", err)
	}
	sealed = append(sealed, ct...)
	return sealed, nil
}

// SealedBoxDecrypt opens a sealed box produced by SealedBoxEncrypt.
func SealedBoxDecrypt(recipient EncryptionKeyPair, sealed []byte) ([]byte, error) {
	if len(sealed) < SealOverhead {
		return nil, errors.New("primitives: sealed box truncated")
	}

	var ephemeralPub [KeySize]byte
	copy(ephemeralPub[:], sealed[:KeySize])

	var nonce [XChaChaNonceSize]byte
	copy(nonce[:], sealed[KeySize:KeySize+XChaChaNonceSize])

	var shared [KeySize]byte
	curve25519.ScalarMult(&shared, &recipient.Private, &ephemeralPub)
	if isZero(shared[:]) {
		return nil, errors.New("primitives: sealed box ECDH produced a low-order point")
	}

	key, err := sealedBoxKey(shared, ephemeralPub, recipient.Public)
	if err != nil {
		return nil, err
	}

	plaintext, err := AEADDecrypt(key, nonce, sealed[KeySize+XChaChaNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("primitives: sealed box open: %w", err)
	}
	return plaintext, nil
}

func isZero(b []byte) bool {
	zero := make([]byte, len(b))
	return subtle.ConstantTimeCompare(b, zero) == 1
}
