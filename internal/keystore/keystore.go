// Package keystore holds the durable device-local secrets of a local user:
// the device's own signature/encryption key pairs, the user's key-pair
// chain, claimed provisional identity key pairs, and user keys pending
// reconciliation against a device-creation record. It serializes itself
// into one opaque blob encrypted under the user's secret and persisted
// through an injected BlobStore.
package keystore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/primitives"
)

var logger = log.New(os.Stdout, "[keystore] ", log.Ldate|log.Ltime|log.LUTC)

// DeviceKeyPair is a device-local signature and encryption key pair. It is
// generated once at bootstrap and never rotated.
type DeviceKeyPair struct {
	Signature  primitives.SignatureKeyPair
	Encryption primitives.EncryptionKeyPair
}

// UserKeyPair is an alias kept distinct from DeviceKeyPair/ProvisionalKeyPair
// purely for readability at call sites; it is the same underlying type as
// every other X25519 key pair in this core.
type UserKeyPair = primitives.EncryptionKeyPair

// ProvisionalKeyPair is the pair of encryption key pairs recovered for a
// claimed provisional identity.
type ProvisionalKeyPair struct {
	AppEncryption    primitives.EncryptionKeyPair
	TankerEncryption primitives.EncryptionKeyPair
}

// PendingUserKey is a user key the local device has learned about (because
// another device rotated it) but cannot yet use, because this device's own
// membership in that rotation has not been confirmed by a creation record.
type PendingUserKey struct {
	EncryptedPrivateKey []byte
	PublicKey           [primitives.KeySize]byte
}

// LocalUser is the in-memory representation of the keystore's contents, per
// the data model's LocalUser entity.
type LocalUser struct {
	TrustchainID    uuid.UUID
	UserID          uuid.UUID
	UserSecret      [32]byte
	Device          DeviceKeyPair
	DeviceID        uuid.UUID
	UserKeys        []UserKeyPair // oldest first; last is current
	ProvisionalKeys map[string]ProvisionalKeyPair
	PendingUserKeys []PendingUserKey
}

// Keystore is the stateful wrapper around a LocalUser that the rest of the
// core calls into; it is not safe for concurrent use without external
// synchronization, matching the single-session-owns-LocalUser model.
type Keystore struct {
	user LocalUser
}

// Bootstrap creates a brand-new keystore for a user who has never stored
// device keys before: fresh device signature/encryption key pairs and a
// single fresh user key pair.
func Bootstrap(trustchainID, userID uuid.UUID, userSecret [32]byte) (*Keystore, error) {
	sigKP, err := primitives.GenerateSignatureKeyPair()
	if err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err, "generate device signature key pair")
	}
	encKP, err := primitives.GenerateEncryptionKeyPair()
	if err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err, "generate device encryption key pair")
	}
	userKP, err := primitives.GenerateEncryptionKeyPair()
	if err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err, "generate user key pair")
	}

	ks := &Keystore{user: LocalUser{
		TrustchainID:    trustchainID,
		UserID:          userID,
		UserSecret:      userSecret,
		Device:          DeviceKeyPair{Signature: sigKP, Encryption: encKP},
		DeviceID:        uuid.New(),
		UserKeys:        []UserKeyPair{userKP},
		ProvisionalKeys: map[string]ProvisionalKeyPair{},
	}}
	logger.Printf("bootstrapped local user %s on device %s", userID, ks.user.DeviceID)
	return ks, nil
}

// DeviceSignatureKeyPair returns the immutable device signature key pair.
func (k *Keystore) DeviceSignatureKeyPair() primitives.SignatureKeyPair {
	return k.user.Device.Signature
}

// DeviceEncryptionKeyPair returns the immutable device encryption key pair.
func (k *Keystore) DeviceEncryptionKeyPair() primitives.EncryptionKeyPair {
	return k.user.Device.Encryption
}

// DeviceID returns this device's local identifier.
func (k *Keystore) DeviceID() uuid.UUID { return k.user.DeviceID }

// UserKeys returns the user's encryption key pairs, oldest first.
func (k *Keystore) UserKeys() []UserKeyPair {
	out := make([]UserKeyPair, len(k.user.UserKeys))
	copy(out, k.user.UserKeys)
	return out
}

// CurrentUserKey returns the youngest user encryption key pair.
func (k *Keystore) CurrentUserKey() (UserKeyPair, error) {
	if len(k.user.UserKeys) == 0 {
		return UserKeyPair{}, corerr.New(corerr.InternalError, "local user has no user keys")
	}
	return k.user.UserKeys[len(k.user.UserKeys)-1], nil
}

// FindUserKey returns the key pair whose public half matches publicKey,
// searching the full historic chain.
func (k *Keystore) FindUserKey(publicKey [primitives.KeySize]byte) (UserKeyPair, bool) {
	for _, kp := range k.user.UserKeys {
		if kp.Public == publicKey {
			return kp, true
		}
	}
	return UserKeyPair{}, false
}

// AddUserKey appends pair as the new current (youngest) user key.
func (k *Keystore) AddUserKey(pair UserKeyPair) {
	k.user.UserKeys = append(k.user.UserKeys, pair)
}

// PrependUserKey inserts pair as the oldest user key, used during
// key-rotation catch-up when an older key is discovered after the fact.
func (k *Keystore) PrependUserKey(pair UserKeyPair) {
	k.user.UserKeys = append([]UserKeyPair{pair}, k.user.UserKeys...)
}

// provisionalKeyID is the map key the spec defines as
// toBase64(appSigPub || tankerSigPub).
func provisionalKeyID(appSigPub, tankerSigPub [primitives.SignPublicKeySize]byte) string {
	buf := make([]byte, 0, len(appSigPub)+len(tankerSigPub))
	buf = append(buf, appSigPub[:]...)
	buf = append(buf, tankerSigPub[:]...)
	return base64.StdEncoding.EncodeToString(buf)
}

// FindProvisionalKey returns the claimed key pairs for the provisional
// identity named by appSigPub||tankerSigPub, if present.
func (k *Keystore) FindProvisionalKey(appSigPub, tankerSigPub [primitives.SignPublicKeySize]byte) (ProvisionalKeyPair, bool) {
	pair, ok := k.user.ProvisionalKeys[provisionalKeyID(appSigPub, tankerSigPub)]
	return pair, ok
}

// AddProvisionalKey records a provisional identity's recovered key pairs
// after a successful claim.
func (k *Keystore) AddProvisionalKey(appSigPub, tankerSigPub [primitives.SignPublicKeySize]byte, appEnc, tankerEnc primitives.EncryptionKeyPair) {
	if k.user.ProvisionalKeys == nil {
		k.user.ProvisionalKeys = map[string]ProvisionalKeyPair{}
	}
	k.user.ProvisionalKeys[provisionalKeyID(appSigPub, tankerSigPub)] = ProvisionalKeyPair{
		AppEncryption:    appEnc,
		TankerEncryption: tankerEnc,
	}
}

// AllEncryptionKeyPairs returns every encryption key pair this local user
// currently holds: the device key, the full user key chain, and both halves
// of every claimed provisional identity. Used by callers (group history
// replay) that need to try every candidate key against a sealed blob rather
// than look one up by a known public key.
func (k *Keystore) AllEncryptionKeyPairs() []primitives.EncryptionKeyPair {
	out := make([]primitives.EncryptionKeyPair, 0, 2+len(k.user.UserKeys)+2*len(k.user.ProvisionalKeys))
	out = append(out, k.user.Device.Encryption)
	out = append(out, k.user.UserKeys...)
	for _, p := range k.user.ProvisionalKeys {
		out = append(out, p.AppEncryption, p.TankerEncryption)
	}
	return out
}

// AddPendingUserKey queues a user key observed during a rotation this
// device cannot yet decrypt.
func (k *Keystore) AddPendingUserKey(p PendingUserKey) {
	k.user.PendingUserKeys = append(k.user.PendingUserKeys, p)
}

// PendingUserKeys returns the queue of keys awaiting reconciliation.
func (k *Keystore) PendingUserKeys() []PendingUserKey {
	out := make([]PendingUserKey, len(k.user.PendingUserKeys))
	copy(out, k.user.PendingUserKeys)
	return out
}

// ClearPendingUserKeys drops the reconciliation queue once it has been
// drained (each entry either resolved into a UserKeyPair or discarded).
func (k *Keystore) ClearPendingUserKeys() {
	k.user.PendingUserKeys = nil
}

// BlobStore is the persistence collaborator a keystore serializes itself
// through; spec.md's "KeyStore.save(blob, userSecret) / load(userSecret)".
// The userSecret argument is handled by this package (it derives the
// sealing key); BlobStore itself only moves opaque bytes.
type BlobStore interface {
	Save(ctx context.Context, blob []byte) error
	Load(ctx context.Context) ([]byte, error)
}

// wireLocalUser is the JSON-serializable shadow of LocalUser; key material
// round-trips through raw byte slices rather than the fixed-size arrays
// LocalUser uses internally, since encoding/json does not marshal
// [32]byte distinctly from any other array without help.
type wireLocalUser struct {
	TrustchainID    uuid.UUID                  `json:"trustchain_id"`
	UserID          uuid.UUID                  `json:"user_id"`
	DeviceID        uuid.UUID                  `json:"device_id"`
	DeviceSigPub    []byte                     `json:"device_sig_pub"`
	DeviceSigPriv   []byte                     `json:"device_sig_priv"`
	DeviceEncPub    []byte                     `json:"device_enc_pub"`
	DeviceEncPriv   []byte                     `json:"device_enc_priv"`
	UserKeys        []wireKeyPair              `json:"user_keys"`
	ProvisionalKeys map[string]wireProvisional `json:"provisional_keys"`
	PendingUserKeys []wirePendingKey           `json:"pending_user_keys"`
}

type wireKeyPair struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

type wireProvisional struct {
	App    wireKeyPair `json:"app"`
	Tanker wireKeyPair `json:"tanker"`
}

type wirePendingKey struct {
	EncryptedPrivateKey []byte `json:"encrypted_private_key"`
	PublicKey           []byte `json:"public_key"`
}

func toWireKeyPair(kp primitives.EncryptionKeyPair) wireKeyPair {
	return wireKeyPair{Public: append([]byte(nil), kp.Public[:]...), Private: append([]byte(nil), kp.Private[:]...)}
}

func fromWireKeyPair(w wireKeyPair) (primitives.EncryptionKeyPair, error) {
	var kp primitives.EncryptionKeyPair
	if len(w.Public) != primitives.KeySize || len(w.Private) != primitives.KeySize {
		return kp, corerr.New(corerr.DecryptionFailed, "malformed key pair in keystore blob")
	}
	copy(kp.Public[:], w.Public)
	copy(kp.Private[:], w.Private)
	return kp, nil
}

func (k *Keystore) toWire() (wireLocalUser, error) {
	w := wireLocalUser{
		TrustchainID:  k.user.TrustchainID,
		UserID:        k.user.UserID,
		DeviceID:      k.user.DeviceID,
		DeviceSigPub:  append([]byte(nil), k.user.Device.Signature.Public[:]...),
		DeviceSigPriv: append([]byte(nil), k.user.Device.Signature.Private[:]...),
		DeviceEncPub:  append([]byte(nil), k.user.Device.Encryption.Public[:]...),
		DeviceEncPriv: append([]byte(nil), k.user.Device.Encryption.Private[:]...),
	}
	for _, kp := range k.user.UserKeys {
		w.UserKeys = append(w.UserKeys, toWireKeyPair(kp))
	}
	if len(k.user.ProvisionalKeys) > 0 {
		w.ProvisionalKeys = make(map[string]wireProvisional, len(k.user.ProvisionalKeys))
		for id, pair := range k.user.ProvisionalKeys {
			w.ProvisionalKeys[id] = wireProvisional{
				App:    toWireKeyPair(pair.AppEncryption),
				Tanker: toWireKeyPair(pair.TankerEncryption),
			}
		}
	}
	for _, p := range k.user.PendingUserKeys {
		w.PendingUserKeys = append(w.PendingUserKeys, wirePendingKey{
			EncryptedPrivateKey: append([]byte(nil), p.EncryptedPrivateKey...),
			PublicKey:           append([]byte(nil), p.PublicKey[:]...),
		})
	}
	return w, nil
}

func fromWire(w wireLocalUser, userSecret [32]byte) (LocalUser, error) {
	lu := LocalUser{
		TrustchainID:    w.TrustchainID,
		UserID:          w.UserID,
		UserSecret:      userSecret,
		DeviceID:        w.DeviceID,
		ProvisionalKeys: map[string]ProvisionalKeyPair{},
	}
	if len(w.DeviceSigPub) != primitives.SignPublicKeySize || len(w.DeviceSigPriv) != primitives.SignPrivateKeySize {
		return lu, corerr.New(corerr.DecryptionFailed, "malformed device signature key pair in keystore blob")
	}
	copy(lu.Device.Signature.Public[:], w.DeviceSigPub)
	copy(lu.Device.Signature.Private[:], w.DeviceSigPriv)

	devEnc, err := fromWireKeyPair(wireKeyPair{Public: w.DeviceEncPub, Private: w.DeviceEncPriv})
	if err != nil {
		return lu, err
	}
	lu.Device.Encryption = devEnc

	for _, wkp := range w.UserKeys {
		kp, err := fromWireKeyPair(wkp)
		if err != nil {
			return lu, err
		}
		lu.UserKeys = append(lu.UserKeys, kp)
	}
	for id, wp := range w.ProvisionalKeys {
		app, err := fromWireKeyPair(wp.App)
		if err != nil {
			return lu, err
		}
		tanker, err := fromWireKeyPair(wp.Tanker)
		if err != nil {
			return lu, err
		}
		lu.ProvisionalKeys[id] = ProvisionalKeyPair{AppEncryption: app, TankerEncryption: tanker}
	}
	for _, wp := range w.PendingUserKeys {
		if len(wp.PublicKey) != primitives.KeySize {
			return lu, corerr.New(corerr.DecryptionFailed, "malformed pending user key in keystore blob")
		}
		var pk PendingUserKey
		pk.EncryptedPrivateKey = append([]byte(nil), wp.EncryptedPrivateKey...)
		copy(pk.PublicKey[:], wp.PublicKey)
		lu.PendingUserKeys = append(lu.PendingUserKeys, pk)
	}
	return lu, nil
}

// Save serializes and seals the keystore under the user secret, then
// persists it through store.
func (k *Keystore) Save(ctx context.Context, store BlobStore) error {
	wire, err := k.toWire()
	if err != nil {
		return err
	}
	plain, err := json.Marshal(wire)
	if err != nil {
		return corerr.Wrap(corerr.InternalError, err, "marshal keystore blob")
	}

	var nonce [primitives.XChaChaNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return corerr.Wrap(corerr.InternalError, err, "generate keystore blob nonce")
	}
	ciphertext, err := primitives.AEADEncrypt(k.user.UserSecret, nonce, plain, nil)
	if err != nil {
		return corerr.Wrap(corerr.InternalError, err, "seal keystore blob")
	}

	sealed := make([]byte, 0, len(nonce)+len(ciphertext))
	sealed = append(sealed, nonce[:]...)
	sealed = append(sealed, ciphertext...)

	if err := store.Save(ctx, sealed); err != nil {
		return corerr.Wrap(corerr.NetworkError, err, "persist keystore blob")
	}
	logger.Printf("saved keystore blob for user %s (%d bytes sealed)", k.user.UserID, len(sealed))
	return nil
}

// Load fetches and opens a previously saved keystore blob.
func Load(ctx context.Context, store BlobStore, userSecret [32]byte) (*Keystore, error) {
	sealed, err := store.Load(ctx)
	if err != nil {
		return nil, corerr.Wrap(corerr.NetworkError, err, "fetch keystore blob")
	}
	if len(sealed) < primitives.XChaChaNonceSize {
		return nil, corerr.New(corerr.DecryptionFailed, "keystore blob truncated")
	}

	var nonce [primitives.XChaChaNonceSize]byte
	copy(nonce[:], sealed[:primitives.XChaChaNonceSize])
	plain, err := primitives.AEADDecrypt(userSecret, nonce, sealed[primitives.XChaChaNonceSize:], nil)
	if err != nil {
		return nil, corerr.Wrap(corerr.DecryptionFailed, err, "open keystore blob")
	}

	var wire wireLocalUser
	if err := json.Unmarshal(plain, &wire); err != nil {
		return nil, corerr.Wrap(corerr.DecryptionFailed, err, "unmarshal keystore blob")
	}
	user, err := fromWire(wire, userSecret)
	if err != nil {
		return nil, err
	}
	return &Keystore{user: user}, nil
}
