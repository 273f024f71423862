package group

import (
	"encoding/binary"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/keystore"
	"github.com/tanker-go/e2ee-core/internal/primitives"
)

// replayState is the result of folding a group's full history (in server
// order) into its current key material, from the perspective of whichever
// local keys the caller can try against each record's member seals.
type replayState struct {
	groupID             GroupID
	publicSignatureKey  [primitives.SignPublicKeySize]byte
	publicEncryptionKey [primitives.KeySize]byte

	haveSignaturePriv bool
	signaturePriv     [primitives.SignPrivateKeySize]byte

	haveEncryptionPriv bool
	encryptionPriv     [primitives.KeySize]byte
}

// replay folds history, in order, into the group's current public key
// pair, and recovers the private key material for whichever seal (if any)
// one of ks's candidate encryption keys can open. Every addition rotates
// the encryption key pair, so the recovered encryption private key is
// dropped at each addition and is present at the end only if the last
// record sealed it for one of ks's keys. The signature private key never
// rotates, so once recovered it is carried forward across later records.
func replay(history []Record, ks *keystore.Keystore) (replayState, error) {
	if len(history) == 0 {
		return replayState{}, corerr.New(corerr.InvalidArgument, "group history is empty")
	}

	candidates := ks.AllEncryptionKeyPairs()

	var state replayState
	for i, rec := range history {
		switch r := rec.(type) {
		case Creation:
			if i != 0 {
				return replayState{}, corerr.New(corerr.InvalidArgument, "group history has a creation record after its first entry")
			}
			state.groupID = r.GroupID
			state.publicSignatureKey = r.PublicSignatureKey
			state.publicEncryptionKey = r.PublicEncryptionKey
			applyMemberSeals(&state, r.Members, candidates)

		case Addition:
			if i == 0 {
				return replayState{}, corerr.New(corerr.InvalidArgument, "group history does not start with a creation record")
			}
			if r.PreviousPublicEncryptionKey != state.publicEncryptionKey {
				return replayState{}, corerr.New(corerr.InvalidArgument, "group addition does not chain from the current encryption key")
			}
			if !primitives.Verify(state.publicSignatureKey, additionSigningBytes(r), r.SelfSignature) {
				return replayState{}, corerr.New(corerr.InvalidArgument, "group addition signature does not verify")
			}
			state.publicEncryptionKey = r.NewPublicEncryptionKey
			state.haveEncryptionPriv = false
			applyMemberSeals(&state, r.Members, candidates)

		default:
			return replayState{}, corerr.New(corerr.InternalError, "unknown group history record type")
		}
	}
	return state, nil
}

// applyMemberSeals tries every candidate encryption key pair against every
// member seal in a record until one opens, recovering both the group's
// signature private key and its (record-current) encryption private key.
func applyMemberSeals(state *replayState, members []MemberSeal, candidates []primitives.EncryptionKeyPair) {
	for _, member := range members {
		for _, candidate := range candidates {
			if candidate.Public != member.MemberPublicKey {
				continue
			}
			sigPriv, encPriv, err := unsealCombined(candidate, member.Sealed)
			if err != nil {
				continue
			}
			state.haveSignaturePriv = true
			state.signaturePriv = sigPriv
			state.haveEncryptionPriv = true
			state.encryptionPriv = encPriv
			return
		}
	}
}

func creationSigningBytes(c Creation) []byte {
	buf := make([]byte, 0, len(c.PublicSignatureKey)+len(c.PublicEncryptionKey))
	buf = append(buf, c.PublicSignatureKey[:]...)
	buf = append(buf, c.PublicEncryptionKey[:]...)
	return buf
}

func additionSigningBytes(a Addition) []byte {
	buf := make([]byte, 0, len(a.PreviousPublicEncryptionKey)+len(a.NewPublicEncryptionKey)+8)
	buf = append(buf, a.PreviousPublicEncryptionKey[:]...)
	buf = append(buf, a.NewPublicEncryptionKey[:]...)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(a.Members)))
	buf = append(buf, n[:]...)
	return buf
}
