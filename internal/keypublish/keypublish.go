// Package keypublish implements the three key-publish record kinds a
// resource's content key can be sealed into — to a user, to a group, or to
// a provisional (email/phone-bound) identity — and their wire codec.
//
// Layouts are fixed-width and concatenated without delimiters, grounded on
// the block-payload framing in
// JaydenBeard-SilentRelay/internal/security/signal.go's pre-key bundle
// serialization (fixed offsets, no length prefixes, because every field's
// size is a compile-time constant).
package keypublish

import (
	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/primitives"
	"github.com/tanker-go/e2ee-core/internal/resource"
)

// Nature is the integer tag the verification layer reads to select a
// record's payload parser.
type Nature int

const (
	NatureKeyPublishToUser            Nature = 8
	NatureKeyPublishToUserGroup       Nature = 11
	NatureKeyPublishToProvisionalUser Nature = 13
)

const (
	pubKeySize = primitives.KeySize
	resIDSize  = resource.ResourceIDSize
	sealedSize = pubKeySize + primitives.SealOverhead
)

// Record is implemented by ToUser, ToGroup, and ToProvisional.
type Record interface {
	Nature() Nature
	MarshalBinary() ([]byte, error)
}

// ToUser seals a content key under a single user's current public
// encryption key.
type ToUser struct {
	Recipient  [pubKeySize]byte
	ResourceID resource.ResourceID
	Sealed     []byte
}

func (r ToUser) Nature() Nature { return NatureKeyPublishToUser }

func (r ToUser) MarshalBinary() ([]byte, error) {
	if len(r.Sealed) != sealedSize {
		return nil, corerr.Newf(corerr.InternalError, "key publish to user: sealed field is %d bytes, want %d", len(r.Sealed), sealedSize)
	}
	out := make([]byte, 0, pubKeySize+resIDSize+sealedSize)
	out = append(out, r.Recipient[:]...)
	out = append(out, r.ResourceID[:]...)
	out = append(out, r.Sealed...)
	return out, nil
}

// ToGroup seals a content key under a group's public encryption key.
type ToGroup struct {
	Recipient  [pubKeySize]byte
	ResourceID resource.ResourceID
	Sealed     []byte
}

func (r ToGroup) Nature() Nature { return NatureKeyPublishToUserGroup }

func (r ToGroup) MarshalBinary() ([]byte, error) {
	if len(r.Sealed) != sealedSize {
		return nil, corerr.Newf(corerr.InternalError, "key publish to group: sealed field is %d bytes, want %d", len(r.Sealed), sealedSize)
	}
	out := make([]byte, 0, pubKeySize+resIDSize+sealedSize)
	out = append(out, r.Recipient[:]...)
	out = append(out, r.ResourceID[:]...)
	out = append(out, r.Sealed...)
	return out, nil
}

// ToProvisional double-seals a content key: first under the provisional
// identity's app-side encryption public key, then that sealed blob again
// under its tanker-side encryption public key, so neither half alone can
// unseal it.
type ToProvisional struct {
	RecipientAppSigPub    [pubKeySize]byte
	RecipientTankerSigPub [pubKeySize]byte
	ResourceID            resource.ResourceID
	SealedTwice           []byte
}

func (r ToProvisional) Nature() Nature { return NatureKeyPublishToProvisionalUser }

func (r ToProvisional) sealedSize() int {
	// sealed_box(sealed_box(contentKey, appEncPub), tankerEncPub): the inner
	// seal's ciphertext (sealedSize bytes) becomes the plaintext of the outer
	// seal, so the outer seal adds one more primitives.SealOverhead.
	return sealedSize + primitives.SealOverhead
}

func (r ToProvisional) MarshalBinary() ([]byte, error) {
	want := r.sealedSize()
	if len(r.SealedTwice) != want {
		return nil, corerr.Newf(corerr.InternalError, "key publish to provisional: sealed field is %d bytes, want %d", len(r.SealedTwice), want)
	}
	out := make([]byte, 0, pubKeySize*2+resIDSize+want)
	out = append(out, r.RecipientAppSigPub[:]...)
	out = append(out, r.RecipientTankerSigPub[:]...)
	out = append(out, r.ResourceID[:]...)
	out = append(out, r.SealedTwice...)
	return out, nil
}

// MakeToUser builds a key-publish record sealing contentKey under a user's
// public encryption key.
func MakeToUser(recipientEncPub [pubKeySize]byte, contentKey [primitives.KeySize]byte, resourceID resource.ResourceID) (ToUser, error) {
	sealed, err := primitives.SealedBoxEncrypt(recipientEncPub, contentKey[:])
	if err != nil {
		return ToUser{}, corerr.Wrap(corerr.InternalError, err, "seal content key to user")
	}
	return ToUser{Recipient: recipientEncPub, ResourceID: resourceID, Sealed: sealed}, nil
}

// MakeToGroup builds a key-publish record sealing contentKey under a
// group's public encryption key.
func MakeToGroup(recipientEncPub [pubKeySize]byte, contentKey [primitives.KeySize]byte, resourceID resource.ResourceID) (ToGroup, error) {
	sealed, err := primitives.SealedBoxEncrypt(recipientEncPub, contentKey[:])
	if err != nil {
		return ToGroup{}, corerr.Wrap(corerr.InternalError, err, "seal content key to group")
	}
	return ToGroup{Recipient: recipientEncPub, ResourceID: resourceID, Sealed: sealed}, nil
}

// MakeToProvisional builds a key-publish record double-sealing contentKey:
// first under the provisional identity's app encryption public key, then
// under its tanker encryption public key.
func MakeToProvisional(appSigPub, tankerSigPub, appEncPub, tankerEncPub [pubKeySize]byte, contentKey [primitives.KeySize]byte, resourceID resource.ResourceID) (ToProvisional, error) {
	innerSealed, err := primitives.SealedBoxEncrypt(appEncPub, contentKey[:])
	if err != nil {
		return ToProvisional{}, corerr.Wrap(corerr.InternalError, err, "seal content key to provisional app key")
	}
	outerSealed, err := primitives.SealedBoxEncrypt(tankerEncPub, innerSealed)
	if err != nil {
		return ToProvisional{}, corerr.Wrap(corerr.InternalError, err, "seal content key to provisional tanker key")
	}
	return ToProvisional{
		RecipientAppSigPub:    appSigPub,
		RecipientTankerSigPub: tankerSigPub,
		ResourceID:            resourceID,
		SealedTwice:           outerSealed,
	}, nil
}

// ParseKeyPublish dispatches on nature and decodes payload into the
// matching Record. The caller has already stripped the block envelope
// (authorship, signature, index) — payload is this record's raw fields
// only.
func ParseKeyPublish(nature Nature, payload []byte) (Record, error) {
	switch nature {
	case NatureKeyPublishToUser:
		return parseToUser(payload)
	case NatureKeyPublishToUserGroup:
		return parseToGroup(payload)
	case NatureKeyPublishToProvisionalUser:
		return parseToProvisional(payload)
	default:
		return nil, corerr.Newf(corerr.InternalError, "invalid nature for key publish: %d", int(nature))
	}
}

func parseToUser(payload []byte) (ToUser, error) {
	want := pubKeySize + resIDSize + sealedSize
	if len(payload) != want {
		return ToUser{}, corerr.Newf(corerr.InvalidArgument, "key publish to user: payload is %d bytes, want %d", len(payload), want)
	}
	var r ToUser
	copy(r.Recipient[:], payload[:pubKeySize])
	copy(r.ResourceID[:], payload[pubKeySize:pubKeySize+resIDSize])
	r.Sealed = append([]byte(nil), payload[pubKeySize+resIDSize:]...)
	return r, nil
}

func parseToGroup(payload []byte) (ToGroup, error) {
	want := pubKeySize + resIDSize + sealedSize
	if len(payload) != want {
		return ToGroup{}, corerr.Newf(corerr.InvalidArgument, "key publish to group: payload is %d bytes, want %d", len(payload), want)
	}
	var r ToGroup
	copy(r.Recipient[:], payload[:pubKeySize])
	copy(r.ResourceID[:], payload[pubKeySize:pubKeySize+resIDSize])
	r.Sealed = append([]byte(nil), payload[pubKeySize+resIDSize:]...)
	return r, nil
}

func parseToProvisional(payload []byte) (ToProvisional, error) {
	want := pubKeySize*2 + resIDSize + sealedSize + primitives.SealOverhead
	if len(payload) != want {
		return ToProvisional{}, corerr.Newf(corerr.InvalidArgument, "key publish to provisional: payload is %d bytes, want %d", len(payload), want)
	}
	var r ToProvisional
	copy(r.RecipientAppSigPub[:], payload[:pubKeySize])
	copy(r.RecipientTankerSigPub[:], payload[pubKeySize:pubKeySize*2])
	copy(r.ResourceID[:], payload[pubKeySize*2:pubKeySize*2+resIDSize])
	r.SealedTwice = append([]byte(nil), payload[pubKeySize*2+resIDSize:]...)
	return r, nil
}
