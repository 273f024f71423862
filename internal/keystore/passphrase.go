package keystore

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/primitives"
)

// Argon2id parameters matching the teacher's DefaultArgon2Params: a
// balance of memory-hardness and interactive-login latency.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024 // KiB
	argon2Threads = 4
	argon2SaltLen = 16
)

// WrappedPassphraseSecret is what GenerateVerificationKey returns: a random
// 256-bit value (the recovery secret the host app actually stores as the
// user's long-term secret-equivalent) wrapped under an Argon2id-derived key
// so a low-entropy passphrase can later recover it.
type WrappedPassphraseSecret struct {
	Salt    []byte
	Wrapped []byte // nonce || ciphertext+tag
}

// GenerateVerificationKey derives a wrapping key from passphrase with a
// fresh random salt, generates a fresh random 256-bit secret, and seals it
// under that wrapping key. The returned secret is the value callers should
// actually use as their keystore's userSecret or an equivalent
// recovery-grade secret; the WrappedPassphraseSecret is what gets stored
// alongside the keystore blob so UnlockWithPassphrase can later recover it.
func GenerateVerificationKey(passphrase string) (secret [32]byte, wrapped WrappedPassphraseSecret, err error) {
	if _, err = io.ReadFull(rand.Reader, secret[:]); err != nil {
		return secret, wrapped, corerr.Wrap(corerr.InternalError, err, "generate passphrase-recoverable secret")
	}

	salt := make([]byte, argon2SaltLen)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return secret, wrapped, corerr.Wrap(corerr.InternalError, err, "generate passphrase salt")
	}

	wrapKey := deriveWrapKey(passphrase, salt)

	var nonce [primitives.XChaChaNonceSize]byte
	if _, err = io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return secret, wrapped, corerr.Wrap(corerr.InternalError, err, "generate passphrase wrap nonce")
	}
	ciphertext, aeadErr := primitives.AEADEncrypt(wrapKey, nonce, secret[:], nil)
	if aeadErr != nil {
		return secret, wrapped, corerr.Wrap(corerr.InternalError, aeadErr, "wrap passphrase-recoverable secret")
	}

	sealed := make([]byte, 0, len(nonce)+len(ciphertext))
	sealed = append(sealed, nonce[:]...)
	sealed = append(sealed, ciphertext...)

	return secret, WrappedPassphraseSecret{Salt: salt, Wrapped: sealed}, nil
}

// UnlockWithPassphrase recovers the secret a prior GenerateVerificationKey
// call wrapped, given the same passphrase.
func UnlockWithPassphrase(passphrase string, wrapped WrappedPassphraseSecret) (secret [32]byte, err error) {
	if len(wrapped.Wrapped) < primitives.XChaChaNonceSize {
		return secret, corerr.New(corerr.DecryptionFailed, "wrapped passphrase secret truncated")
	}
	wrapKey := deriveWrapKey(passphrase, wrapped.Salt)

	var nonce [primitives.XChaChaNonceSize]byte
	copy(nonce[:], wrapped.Wrapped[:primitives.XChaChaNonceSize])
	plain, aeadErr := primitives.AEADDecrypt(wrapKey, nonce, wrapped.Wrapped[primitives.XChaChaNonceSize:], nil)
	if aeadErr != nil {
		return secret, corerr.Wrap(corerr.DecryptionFailed, aeadErr, "unwrap passphrase secret: wrong passphrase or corrupted blob")
	}
	if len(plain) != 32 {
		return secret, corerr.New(corerr.DecryptionFailed, "unwrapped passphrase secret has the wrong length")
	}
	copy(secret[:], plain)
	return secret, nil
}

func deriveWrapKey(passphrase string, salt []byte) [primitives.KeySize]byte {
	raw := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, primitives.KeySize)
	var key [primitives.KeySize]byte
	copy(key[:], raw)
	return key
}
