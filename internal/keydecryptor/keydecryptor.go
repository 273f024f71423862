// Package keydecryptor dispatches a fetched key-publish record to the
// local secret that can unseal it: a user key, a group encryption key
// pair, or a claimed provisional identity's key pairs.
package keydecryptor

import (
	"context"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/keypublish"
	"github.com/tanker-go/e2ee-core/internal/keystore"
	"github.com/tanker-go/e2ee-core/internal/primitives"
)

// UserKeyFinder looks up one of the local user's own encryption key pairs
// by public key.
type UserKeyFinder interface {
	FindUserKey(publicKey [primitives.KeySize]byte) (primitives.EncryptionKeyPair, bool)
}

// GroupKeyFinder resolves a group's current encryption key pair from its
// public key, per internal/group.Manager.GetGroupEncryptionKeyPair.
type GroupKeyFinder interface {
	GetGroupEncryptionKeyPair(ctx context.Context, publicKey [primitives.KeySize]byte) (primitives.EncryptionKeyPair, error)
}

// ProvisionalKeyFinder looks up a claimed provisional identity's key pairs
// by its signature public key pair. Satisfied directly by
// *keystore.Keystore; per spec.md's dependency-direction note, the key
// decryptor is allowed to depend on the local user (keystore) and the
// group manager, so this package imports keystore's concrete type rather
// than re-declaring it.
type ProvisionalKeyFinder interface {
	FindProvisionalKey(appSigPub, tankerSigPub [primitives.SignPublicKeySize]byte) (keystore.ProvisionalKeyPair, bool)
}

// Decryptor unseals a content key out of any of the three key-publish
// record kinds.
type Decryptor struct {
	users       UserKeyFinder
	groups      GroupKeyFinder
	provisional ProvisionalKeyFinder
}

// New constructs a Decryptor bound to its three lookup collaborators.
func New(users UserKeyFinder, groups GroupKeyFinder, provisional ProvisionalKeyFinder) *Decryptor {
	return &Decryptor{users: users, groups: groups, provisional: provisional}
}

// Decrypt unseals record's content key, per spec.md §4.9's dispatch rule.
func (d *Decryptor) Decrypt(ctx context.Context, record keypublish.Record) ([primitives.KeySize]byte, error) {
	var contentKey [primitives.KeySize]byte

	switch r := record.(type) {
	case keypublish.ToUser:
		pair, ok := d.users.FindUserKey(r.Recipient)
		if !ok {
			return contentKey, corerr.New(corerr.DecryptionFailed, "user key not found")
		}
		plain, err := primitives.SealedBoxDecrypt(pair, r.Sealed)
		if err != nil {
			return contentKey, corerr.Wrap(corerr.DecryptionFailed, err, "unseal key publish to user")
		}
		return toContentKey(plain)

	case keypublish.ToGroup:
		pair, err := d.groups.GetGroupEncryptionKeyPair(ctx, r.Recipient)
		if err != nil {
			return contentKey, corerr.Wrap(corerr.DecryptionFailed, err, "group not found")
		}
		plain, err := primitives.SealedBoxDecrypt(pair, r.Sealed)
		if err != nil {
			return contentKey, corerr.Wrap(corerr.DecryptionFailed, err, "unseal key publish to group")
		}
		return toContentKey(plain)

	case keypublish.ToProvisional:
		pair, ok := d.provisional.FindProvisionalKey(r.RecipientAppSigPub, r.RecipientTankerSigPub)
		if !ok {
			return contentKey, corerr.New(corerr.DecryptionFailed, "provisional user key not found")
		}
		innerSealed, err := primitives.SealedBoxDecrypt(pair.TankerEncryption, r.SealedTwice)
		if err != nil {
			return contentKey, corerr.Wrap(corerr.DecryptionFailed, err, "unseal outer layer of key publish to provisional")
		}
		plain, err := primitives.SealedBoxDecrypt(pair.AppEncryption, innerSealed)
		if err != nil {
			return contentKey, corerr.Wrap(corerr.DecryptionFailed, err, "unseal inner layer of key publish to provisional")
		}
		return toContentKey(plain)

	default:
		return contentKey, corerr.New(corerr.InternalError, "invalid nature for key publish")
	}
}

func toContentKey(plain []byte) ([primitives.KeySize]byte, error) {
	var key [primitives.KeySize]byte
	if len(plain) != primitives.KeySize {
		return key, corerr.New(corerr.DecryptionFailed, "unsealed content key has the wrong length")
	}
	copy(key[:], plain)
	return key, nil
}
