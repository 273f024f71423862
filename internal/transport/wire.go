// Package transport is the network collaborator side of this core: the
// JSON wire shapes shared between the HTTP client (used by
// internal/group, internal/provisional, internal/resourcemanager, and
// dataprotector) and the stub trustchain server built on gorilla/mux.
package transport

import (
	"encoding/hex"

	"github.com/tanker-go/e2ee-core/internal/group"
	"github.com/tanker-go/e2ee-core/internal/keypublish"
	"github.com/tanker-go/e2ee-core/internal/primitives"
	"github.com/tanker-go/e2ee-core/internal/provisional"
	"github.com/tanker-go/e2ee-core/internal/resource"
)

// keyPublishWire is the over-the-wire form of a keypublish.Record: its
// nature tag plus the already-serialized payload, exactly as
// resourcemanager.Block holds it locally.
type keyPublishWire struct {
	ResourceID string `json:"resourceId"`
	Nature     int    `json:"nature"`
	Payload    []byte `json:"payload"`
}

func encodeRecord(record keypublish.Record) (keyPublishWire, error) {
	payload, err := record.MarshalBinary()
	if err != nil {
		return keyPublishWire{}, err
	}
	return keyPublishWire{
		ResourceID: hex.EncodeToString(recordResourceID(record)[:]),
		Nature:     int(record.Nature()),
		Payload:    payload,
	}, nil
}

func recordResourceID(record keypublish.Record) resource.ResourceID {
	switch r := record.(type) {
	case keypublish.ToUser:
		return r.ResourceID
	case keypublish.ToGroup:
		return r.ResourceID
	case keypublish.ToProvisional:
		return r.ResourceID
	default:
		return resource.ResourceID{}
	}
}

// groupRecordWire is the over-the-wire form of a group.Record: a
// discriminated union of Creation and Addition, every key-sized field
// carried as a raw byte slice (JSON marshals []byte as base64 already).
type groupRecordWire struct {
	Kind string `json:"kind"` // "creation" | "addition"

	GroupID                     []byte             `json:"groupId"`
	PublicSignatureKey          []byte             `json:"publicSignatureKey,omitempty"`
	PublicEncryptionKey         []byte             `json:"publicEncryptionKey,omitempty"`
	PreviousPublicEncryptionKey []byte             `json:"previousPublicEncryptionKey,omitempty"`
	NewPublicEncryptionKey      []byte             `json:"newPublicEncryptionKey,omitempty"`
	Members                     []memberSealWire   `json:"members"`
	SelfSignature               []byte             `json:"selfSignature"`
}

type memberSealWire struct {
	MemberPublicKey []byte `json:"memberPublicKey"`
	Sealed          []byte `json:"sealed"`
}

func encodeGroupRecord(record group.Record) groupRecordWire {
	switch r := record.(type) {
	case group.Creation:
		return groupRecordWire{
			Kind:                 "creation",
			GroupID:              r.GroupID[:],
			PublicSignatureKey:   r.PublicSignatureKey[:],
			PublicEncryptionKey:  r.PublicEncryptionKey[:],
			Members:              encodeMemberSeals(r.Members),
			SelfSignature:        r.SelfSignature,
		}
	case group.Addition:
		return groupRecordWire{
			Kind:                        "addition",
			GroupID:                     r.GroupID[:],
			PreviousPublicEncryptionKey: r.PreviousPublicEncryptionKey[:],
			NewPublicEncryptionKey:      r.NewPublicEncryptionKey[:],
			Members:                     encodeMemberSeals(r.Members),
			SelfSignature:               r.SelfSignature,
		}
	default:
		return groupRecordWire{}
	}
}

func encodeMemberSeals(seals []group.MemberSeal) []memberSealWire {
	out := make([]memberSealWire, len(seals))
	for i, seal := range seals {
		out[i] = memberSealWire{MemberPublicKey: seal.MemberPublicKey[:], Sealed: seal.Sealed}
	}
	return out
}

func decodeMemberSeals(wires []memberSealWire) []group.MemberSeal {
	out := make([]group.MemberSeal, len(wires))
	for i, w := range wires {
		var seal group.MemberSeal
		copy(seal.MemberPublicKey[:], w.MemberPublicKey)
		seal.Sealed = w.Sealed
		out[i] = seal
	}
	return out
}

func decodeGroupRecord(w groupRecordWire) group.Record {
	switch w.Kind {
	case "creation":
		var c group.Creation
		copy(c.GroupID[:], w.GroupID)
		copy(c.PublicSignatureKey[:], w.PublicSignatureKey)
		copy(c.PublicEncryptionKey[:], w.PublicEncryptionKey)
		c.Members = decodeMemberSeals(w.Members)
		c.SelfSignature = w.SelfSignature
		return c
	case "addition":
		var a group.Addition
		copy(a.GroupID[:], w.GroupID)
		copy(a.PreviousPublicEncryptionKey[:], w.PreviousPublicEncryptionKey)
		copy(a.NewPublicEncryptionKey[:], w.NewPublicEncryptionKey)
		a.Members = decodeMemberSeals(w.Members)
		a.SelfSignature = w.SelfSignature
		return a
	default:
		return nil
	}
}

// publicProvisionalUserWire is the wire form of provisional.PublicProvisionalUser.
type publicProvisionalUserWire struct {
	TrustchainID []byte `json:"trustchainId"`
	Target       string `json:"target"`
	Value        string `json:"value"`
	AppEncPub    []byte `json:"appEncPub"`
	AppSigPub    []byte `json:"appSigPub"`
	TankerEncPub []byte `json:"tankerEncPub"`
	TankerSigPub []byte `json:"tankerSigPub"`
}

func encodeProvisionalUser(u provisional.PublicProvisionalUser) publicProvisionalUserWire {
	return publicProvisionalUserWire{
		TrustchainID: u.TrustchainID[:],
		Target:       u.Target.String(),
		Value:        u.Value,
		AppEncPub:    u.AppEncPub[:],
		AppSigPub:    u.AppSigPub[:],
		TankerEncPub: u.TankerEncPub[:],
		TankerSigPub: u.TankerSigPub[:],
	}
}

func decodeProvisionalUser(w publicProvisionalUserWire) provisional.PublicProvisionalUser {
	var u provisional.PublicProvisionalUser
	copy(u.TrustchainID[:], w.TrustchainID)
	u.Target = parseTarget(w.Target)
	u.Value = w.Value
	copy(u.AppEncPub[:], w.AppEncPub)
	copy(u.AppSigPub[:], w.AppSigPub)
	copy(u.TankerEncPub[:], w.TankerEncPub)
	copy(u.TankerSigPub[:], w.TankerSigPub)
	return u
}

func parseTarget(s string) provisional.Target {
	if s == "phone" {
		return provisional.TargetPhone
	}
	return provisional.TargetEmail
}

// claimRecordWire is the wire form of provisional.ClaimRecord.
type claimRecordWire struct {
	UserID               []byte `json:"userId"`
	CurrentUserPublicKey []byte `json:"currentUserPublicKey"`
	AppSigPub            []byte `json:"appSigPub"`
	TankerSigPub         []byte `json:"tankerSigPub"`
	SealedPrivateKeys    []byte `json:"sealedPrivateKeys"`
}

func encodeClaimRecord(r provisional.ClaimRecord) claimRecordWire {
	return claimRecordWire{
		UserID:               r.UserID[:],
		CurrentUserPublicKey: r.CurrentUserPublicKey[:],
		AppSigPub:            r.AppSigPub[:],
		TankerSigPub:         r.TankerSigPub[:],
		SealedPrivateKeys:    r.SealedPrivateKeys,
	}
}

func decodeClaimRecord(w claimRecordWire) provisional.ClaimRecord {
	var r provisional.ClaimRecord
	copy(r.UserID[:], w.UserID)
	copy(r.CurrentUserPublicKey[:], w.CurrentUserPublicKey)
	copy(r.AppSigPub[:], w.AppSigPub)
	copy(r.TankerSigPub[:], w.TankerSigPub)
	r.SealedPrivateKeys = w.SealedPrivateKeys
	return r
}

func sliceToKey(b []byte) [primitives.KeySize]byte {
	var key [primitives.KeySize]byte
	copy(key[:], b)
	return key
}

func groupIDToHex(id group.GroupID) string { return hex.EncodeToString(id[:]) }

func hexToGroupID(s string) (group.GroupID, error) {
	var id group.GroupID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	copy(id[:], raw)
	return id, nil
}
