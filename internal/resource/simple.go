package resource

import (
	"crypto/rand"
	"io"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/primitives"
)

// EncryptSimple seals clear under contentKey using the current default
// one-shot format (v3). The resource ID is not chosen by the caller; it is
// the artifact's own authentication tag, recoverable later with
// ExtractResourceID.
func EncryptSimple(contentKey [primitives.KeySize]byte, clear []byte) ([]byte, error) {
	return encryptSimpleV3(contentKey, clear)
}

func encryptSimpleV3(contentKey [primitives.KeySize]byte, clear []byte) ([]byte, error) {
	var iv [primitives.XChaChaNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, iv[:]); err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err, "generate iv")
	}

	ciphertext, err := primitives.AEADEncrypt(contentKey, iv, clear, nil)
	if err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err, "seal v3 payload")
	}

	out := putVersion(nil, FormatV3)
	out = append(out, iv[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// EncryptSimpleWithID seals clear under contentKey using the fixed-resource
// format (v5), so the caller's chosen resourceID is embedded in the artifact
// instead of being derived from the authentication tag.
func EncryptSimpleWithID(contentKey [primitives.KeySize]byte, resourceID ResourceID, clear []byte) ([]byte, error) {
	var iv [primitives.XChaChaNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, iv[:]); err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err, "generate iv")
	}

	ciphertext, err := primitives.AEADEncrypt(contentKey, iv, clear, nil)
	if err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err, "seal v5 payload")
	}

	out := putVersion(nil, FormatV5)
	out = append(out, resourceID[:]...)
	out = append(out, iv[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptSimple opens a one-shot encrypted artifact of any known simple
// format (v1, v2, v3, v5 — not v4, which is streaming and uses
// DecryptionStream instead).
func DecryptSimple(contentKey [primitives.KeySize]byte, encrypted []byte) ([]byte, error) {
	version, n, err := readVersion(encrypted)
	if err != nil {
		return nil, err
	}
	if version.IsStreaming() {
		return nil, corerr.New(corerr.InvalidArgument, "decrypt_simple does not accept a streaming artifact")
	}
	if !version.IsKnown() {
		return nil, corerr.Newf(corerr.InvalidEncryptionFormat, "unknown format version %d", int(version))
	}
	if len(encrypted) < version.Overhead() {
		return nil, corerr.New(corerr.DecryptionFailed, "truncated artifact")
	}

	switch version {
	case FormatV1, FormatV2, FormatV3:
		return decryptLegacySimple(contentKey, encrypted, version, n)
	case FormatV5:
		return decryptV5(contentKey, encrypted, n)
	default:
		return nil, corerr.Newf(corerr.InternalError, "unreachable: format %s passed IsKnown", version)
	}
}

// decryptLegacySimple opens a v1/v2/v3 artifact. v2 differs from v1 only in
// that its stored 24-byte field is the nonce itself, drawn at random; v1's
// field is a seed the real nonce was derived
// from (the same derive_iv step the streaming format uses, with chunk index
// 0, since a one-shot artifact has exactly one slot). v3 only drops the AAD
// v1/v2 share, which is already empty here.
func decryptLegacySimple(contentKey [primitives.KeySize]byte, encrypted []byte, version Format, versionLen int) ([]byte, error) {
	var seed [primitives.XChaChaNonceSize]byte
	copy(seed[:], encrypted[versionLen:versionLen+primitives.XChaChaNonceSize])
	ciphertext := encrypted[versionLen+primitives.XChaChaNonceSize:]

	iv := seed
	if version == FormatV1 {
		derived, err := primitives.DeriveIV(seed, 0)
		if err != nil {
			return nil, corerr.Wrap(corerr.InternalError, err, "derive v1 iv")
		}
		iv = derived
	}

	plaintext, err := primitives.AEADDecrypt(contentKey, iv, ciphertext, nil)
	if err != nil {
		return nil, corerr.Wrap(corerr.DecryptionFailed, err, "open simple artifact")
	}
	return plaintext, nil
}

func decryptV5(contentKey [primitives.KeySize]byte, encrypted []byte, versionLen int) ([]byte, error) {
	ivOffset := versionLen + ResourceIDSize
	var iv [primitives.XChaChaNonceSize]byte
	copy(iv[:], encrypted[ivOffset:ivOffset+primitives.XChaChaNonceSize])
	ciphertext := encrypted[ivOffset+primitives.XChaChaNonceSize:]

	plaintext, err := primitives.AEADDecrypt(contentKey, iv, ciphertext, nil)
	if err != nil {
		return nil, corerr.Wrap(corerr.DecryptionFailed, err, "open v5 artifact")
	}
	return plaintext, nil
}
