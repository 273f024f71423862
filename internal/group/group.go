// Package group implements the group key hierarchy: creating a group,
// adding members to it, and reconstructing a group's current encryption
// key pair by replaying its history of creation and addition records.
//
// A group's signature key pair is established once at creation and never
// rotates; it is the group's identity (GroupID). Its encryption key pair
// rotates on every membership addition, and the rotated private key is
// re-sealed for every member listed in that addition record.
package group

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/keystore"
	"github.com/tanker-go/e2ee-core/internal/primitives"
)

var logger = log.New(os.Stdout, "[group] ", log.Ldate|log.Ltime|log.LUTC)

// MaxGroupSize is the maximum number of members a single create or add call
// may specify.
const MaxGroupSize = 1000

// GroupID is a group's public signature key, which never changes once the
// group is created.
type GroupID [primitives.SignPublicKeySize]byte

// MemberSeal seals a group's current private key material for one member's
// public encryption key.
type MemberSeal struct {
	MemberPublicKey [primitives.KeySize]byte
	Sealed          []byte // sealed_box(sigPriv(64) || encPriv(32), MemberPublicKey)
}

// Creation is the first record in a group's history: it establishes the
// group's identity and initial encryption key, and seals both the group's
// signature and encryption private keys for every founding member.
type Creation struct {
	GroupID              GroupID
	PublicSignatureKey   [primitives.SignPublicKeySize]byte
	PublicEncryptionKey  [primitives.KeySize]byte
	Members              []MemberSeal
	SelfSignature        []byte
}

// Addition rotates a group's encryption key pair and re-seals the new
// private key (bundled with the group's unchanging signature private key,
// so newly added members gain the ability to author further additions) for
// every member listed — which per spec.md §4.6 is every member, old and
// new.
type Addition struct {
	GroupID                     GroupID
	PreviousPublicEncryptionKey [primitives.KeySize]byte
	NewPublicEncryptionKey      [primitives.KeySize]byte
	Members                     []MemberSeal
	SelfSignature               []byte
}

// Record is implemented by Creation and Addition.
type Record interface {
	groupID() GroupID
}

func (c Creation) groupID() GroupID { return c.GroupID }
func (a Addition) groupID() GroupID { return a.GroupID }

// Client is the subset of the network collaborator this manager needs:
// posting new group records and fetching a group's full history.
type Client interface {
	GetGroupHistoriesByID(ctx context.Context, ids []GroupID) (map[GroupID][]Record, error)
	GetGroupHistoryByPublicKey(ctx context.Context, publicEncryptionKey [primitives.KeySize]byte) ([]Record, error)
	PostGroupCreation(ctx context.Context, record Creation) error
	PostGroupAddition(ctx context.Context, record Addition) error
}

// Store is the persistent cache collaborator: GroupStore from spec.md §6.
type Store interface {
	SaveGroupEncryptionKeys(ctx context.Context, groupID GroupID, keyPair primitives.EncryptionKeyPair) error
	FindGroupEncryptionKeyPair(ctx context.Context, publicKey [primitives.KeySize]byte) (primitives.EncryptionKeyPair, bool, error)
	FindGroupsPublicKeys(ctx context.Context, ids []GroupID) (map[GroupID][primitives.KeySize]byte, error)
}

// Manager is the group manager of spec.md §4.6.
type Manager struct {
	client   Client
	store    Store
	keystore *keystore.Keystore

	mu            sync.Mutex
	publicKeyByID map[GroupID][primitives.KeySize]byte
	keyPairByPub  map[[primitives.KeySize]byte]primitives.EncryptionKeyPair
	inFlight      map[[primitives.KeySize]byte]chan struct{}
}

// NewManager constructs a group manager bound to client, store, and the
// local user's keystore (used to find which member seal, if any, the local
// user can open).
func NewManager(client Client, store Store, ks *keystore.Keystore) *Manager {
	return &Manager{
		client:        client,
		store:         store,
		keystore:      ks,
		publicKeyByID: map[GroupID][primitives.KeySize]byte{},
		keyPairByPub:  map[[primitives.KeySize]byte]primitives.EncryptionKeyPair{},
		inFlight:      map[[primitives.KeySize]byte]chan struct{}{},
	}
}

func sealCombined(sigPriv [primitives.SignPrivateKeySize]byte, encPriv [primitives.KeySize]byte, memberPub [primitives.KeySize]byte) ([]byte, error) {
	combined := make([]byte, 0, primitives.SignPrivateKeySize+primitives.KeySize)
	combined = append(combined, sigPriv[:]...)
	combined = append(combined, encPriv[:]...)
	sealed, err := primitives.SealedBoxEncrypt(memberPub, combined)
	if err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err, "seal group private keys for member")
	}
	return sealed, nil
}

func unsealCombined(recipient primitives.EncryptionKeyPair, sealed []byte) (sigPriv [primitives.SignPrivateKeySize]byte, encPriv [primitives.KeySize]byte, err error) {
	plain, derr := primitives.SealedBoxDecrypt(recipient, sealed)
	if derr != nil {
		return sigPriv, encPriv, corerr.Wrap(corerr.DecryptionFailed, derr, "unseal group private keys")
	}
	if len(plain) != primitives.SignPrivateKeySize+primitives.KeySize {
		return sigPriv, encPriv, corerr.New(corerr.DecryptionFailed, "group member seal has the wrong length")
	}
	copy(sigPriv[:], plain[:primitives.SignPrivateKeySize])
	copy(encPriv[:], plain[primitives.SignPrivateKeySize:])
	return sigPriv, encPriv, nil
}

// CreateGroup generates a fresh group signature and encryption key pair,
// seals both private keys for every listed member, posts the creation
// record, and persists the group's own key pair locally.
func (m *Manager) CreateGroup(ctx context.Context, memberPublicKeys [][primitives.KeySize]byte) (GroupID, error) {
	if len(memberPublicKeys) == 0 {
		return GroupID{}, corerr.New(corerr.InvalidArgument, "cannot create a group with no members")
	}
	if len(memberPublicKeys) > MaxGroupSize {
		return GroupID{}, corerr.Newf(corerr.GroupTooBig, "group create requested %d members, max is %d", len(memberPublicKeys), MaxGroupSize)
	}

	sigKP, err := primitives.GenerateSignatureKeyPair()
	if err != nil {
		return GroupID{}, corerr.Wrap(corerr.InternalError, err, "generate group signature key pair")
	}
	encKP, err := primitives.GenerateEncryptionKeyPair()
	if err != nil {
		return GroupID{}, corerr.Wrap(corerr.InternalError, err, "generate group encryption key pair")
	}

	members := make([]MemberSeal, 0, len(memberPublicKeys))
	for _, pub := range memberPublicKeys {
		sealed, err := sealCombined(sigKP.Private, encKP.Private, pub)
		if err != nil {
			return GroupID{}, err
		}
		members = append(members, MemberSeal{MemberPublicKey: pub, Sealed: sealed})
	}

	var groupID GroupID
	copy(groupID[:], sigKP.Public[:])

	record := Creation{
		GroupID:             groupID,
		PublicSignatureKey:  sigKP.Public,
		PublicEncryptionKey: encKP.Public,
		Members:             members,
	}
	record.SelfSignature = primitives.Sign(sigKP.Private, creationSigningBytes(record))

	if err := m.client.PostGroupCreation(ctx, record); err != nil {
		return GroupID{}, corerr.Wrap(corerr.NetworkError, err, "post group creation")
	}

	if err := m.store.SaveGroupEncryptionKeys(ctx, groupID, encKP); err != nil {
		return GroupID{}, corerr.Wrap(corerr.NetworkError, err, "persist group encryption key pair")
	}

	m.mu.Lock()
	m.publicKeyByID[groupID] = encKP.Public
	m.keyPairByPub[encKP.Public] = encKP
	m.mu.Unlock()

	logger.Printf("created group %x with %d members", groupID, len(members))
	return groupID, nil
}

// UpdateGroupMembers rotates groupID's encryption key pair and re-seals it
// for every listed member. The caller must already be a member (hold the
// current encryption and signature private keys for this group).
func (m *Manager) UpdateGroupMembers(ctx context.Context, groupID GroupID, memberPublicKeys [][primitives.KeySize]byte) error {
	if len(memberPublicKeys) == 0 {
		return corerr.New(corerr.InvalidArgument, "cannot add zero members to a group")
	}
	if len(memberPublicKeys) > MaxGroupSize {
		return corerr.Newf(corerr.GroupTooBig, "group update requested %d members, max is %d", len(memberPublicKeys), MaxGroupSize)
	}

	currentPub, err := m.resolvePublicKey(ctx, groupID)
	if err != nil {
		return err
	}
	currentPair, ok, err := m.keyPairFor(ctx, currentPub)
	if err != nil {
		return err
	}
	if !ok {
		return corerr.New(corerr.InvalidArgument, "current user is not a group member")
	}

	newPair, err := primitives.GenerateEncryptionKeyPair()
	if err != nil {
		return corerr.Wrap(corerr.InternalError, err, "generate rotated group encryption key pair")
	}

	sigPriv, err := m.groupSignaturePrivateKey(ctx, groupID, currentPub)
	if err != nil {
		return err
	}

	members := make([]MemberSeal, 0, len(memberPublicKeys))
	for _, pub := range memberPublicKeys {
		sealed, err := sealCombined(sigPriv, newPair.Private, pub)
		if err != nil {
			return err
		}
		members = append(members, MemberSeal{MemberPublicKey: pub, Sealed: sealed})
	}

	record := Addition{
		GroupID:                     groupID,
		PreviousPublicEncryptionKey: currentPub,
		NewPublicEncryptionKey:      newPair.Public,
		Members:                     members,
	}
	record.SelfSignature = primitives.Sign(sigPriv, additionSigningBytes(record))

	if err := m.client.PostGroupAddition(ctx, record); err != nil {
		return corerr.Wrap(corerr.NetworkError, err, "post group addition")
	}

	if err := m.store.SaveGroupEncryptionKeys(ctx, groupID, newPair); err != nil {
		return corerr.Wrap(corerr.NetworkError, err, "persist rotated group encryption key pair")
	}

	m.mu.Lock()
	m.publicKeyByID[groupID] = newPair.Public
	m.keyPairByPub[newPair.Public] = newPair
	m.mu.Unlock()

	logger.Printf("rotated group %x encryption key (%d members resealed)", groupID, len(members))
	return nil
}

// groupSignaturePrivateKey recovers the group's unchanging signature
// private key by re-replaying history and finding a seal the local user
// can open (the combined seal carries both the signature and encryption
// private keys).
func (m *Manager) groupSignaturePrivateKey(ctx context.Context, groupID GroupID, currentEncPub [primitives.KeySize]byte) ([primitives.SignPrivateKeySize]byte, error) {
	var zero [primitives.SignPrivateKeySize]byte
	history, err := m.client.GetGroupHistoryByPublicKey(ctx, currentEncPub)
	if err != nil {
		return zero, corerr.Wrap(corerr.NetworkError, err, "fetch group history")
	}
	current, err := replay(history, m.keystore)
	if err != nil {
		return zero, err
	}
	if !current.haveSignaturePriv {
		return zero, corerr.New(corerr.InvalidArgument, "current user is not a group member")
	}
	return current.signaturePriv, nil
}

// GetGroupsPublicEncryptionKeys returns the current public encryption key
// for each of ids, in the requested order, serving from cache and falling
// back to a history fetch + replay on a miss.
func (m *Manager) GetGroupsPublicEncryptionKeys(ctx context.Context, ids []GroupID) ([][primitives.KeySize]byte, error) {
	out := make([][primitives.KeySize]byte, len(ids))
	missing := make([]GroupID, 0)

	m.mu.Lock()
	for i, id := range ids {
		if pub, ok := m.publicKeyByID[id]; ok {
			out[i] = pub
		} else {
			missing = append(missing, id)
		}
	}
	m.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}

	histories, err := m.client.GetGroupHistoriesByID(ctx, missing)
	if err != nil {
		return nil, corerr.Wrap(corerr.NetworkError, err, "fetch group histories")
	}

	resolved := map[GroupID][primitives.KeySize]byte{}
	for _, id := range missing {
		history, ok := histories[id]
		if !ok {
			continue
		}
		current, err := replay(history, m.keystore)
		if err != nil {
			return nil, err
		}
		resolved[id] = current.publicEncryptionKey
	}

	m.mu.Lock()
	for id, pub := range resolved {
		m.publicKeyByID[id] = pub
	}
	m.mu.Unlock()

	for i, id := range ids {
		if pub, ok := resolved[id]; ok {
			out[i] = pub
		}
	}
	return out, nil
}

// GetGroupEncryptionKeyPair returns the current encryption key pair for
// the group whose public key is publicKey. The local user must currently
// be a member.
func (m *Manager) GetGroupEncryptionKeyPair(ctx context.Context, publicKey [primitives.KeySize]byte) (primitives.EncryptionKeyPair, error) {
	pair, ok, err := m.keyPairFor(ctx, publicKey)
	if err != nil {
		return primitives.EncryptionKeyPair{}, err
	}
	if !ok {
		return primitives.EncryptionKeyPair{}, corerr.New(corerr.InvalidArgument, "current user is not a group member")
	}
	return pair, nil
}

// keyPairFor serves the internal-group cache, coalescing concurrent misses
// for the same public key onto a single in-flight replay.
func (m *Manager) keyPairFor(ctx context.Context, publicKey [primitives.KeySize]byte) (primitives.EncryptionKeyPair, bool, error) {
	m.mu.Lock()
	if pair, ok := m.keyPairByPub[publicKey]; ok {
		m.mu.Unlock()
		return pair, true, nil
	}
	if wait, ok := m.inFlight[publicKey]; ok {
		m.mu.Unlock()
		<-wait
		m.mu.Lock()
		pair, ok := m.keyPairByPub[publicKey]
		m.mu.Unlock()
		return pair, ok, nil
	}
	done := make(chan struct{})
	m.inFlight[publicKey] = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inFlight, publicKey)
		m.mu.Unlock()
		close(done)
	}()

	if pair, ok, err := m.store.FindGroupEncryptionKeyPair(ctx, publicKey); err == nil && ok {
		m.mu.Lock()
		m.keyPairByPub[publicKey] = pair
		m.mu.Unlock()
		return pair, true, nil
	}

	history, err := m.client.GetGroupHistoryByPublicKey(ctx, publicKey)
	if err != nil {
		return primitives.EncryptionKeyPair{}, false, corerr.Wrap(corerr.NetworkError, err, "fetch group history")
	}
	current, err := replay(history, m.keystore)
	if err != nil {
		return primitives.EncryptionKeyPair{}, false, err
	}
	if !current.haveEncryptionPriv {
		return primitives.EncryptionKeyPair{}, false, nil
	}

	pair := primitives.EncryptionKeyPair{Public: current.publicEncryptionKey, Private: current.encryptionPriv}
	m.mu.Lock()
	m.keyPairByPub[publicKey] = pair
	m.mu.Unlock()
	if err := m.store.SaveGroupEncryptionKeys(ctx, current.groupID, pair); err != nil {
		logger.Printf("failed to cache replayed group key pair for %x: %v", current.groupID, err)
	}
	return pair, true, nil
}

func (m *Manager) resolvePublicKey(ctx context.Context, groupID GroupID) ([primitives.KeySize]byte, error) {
	m.mu.Lock()
	if pub, ok := m.publicKeyByID[groupID]; ok {
		m.mu.Unlock()
		return pub, nil
	}
	m.mu.Unlock()

	keys, err := m.GetGroupsPublicEncryptionKeys(ctx, []GroupID{groupID})
	if err != nil {
		return [primitives.KeySize]byte{}, err
	}
	return keys[0], nil
}
