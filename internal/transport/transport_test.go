package transport

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanker-go/e2ee-core/internal/group"
	"github.com/tanker-go/e2ee-core/internal/keypublish"
	"github.com/tanker-go/e2ee-core/internal/keystore"
	"github.com/tanker-go/e2ee-core/internal/primitives"
	"github.com/tanker-go/e2ee-core/internal/provisional"
	"github.com/tanker-go/e2ee-core/internal/resource"
)

func newTestServer(t *testing.T) (*HTTPClient, *Backend, func()) {
	t.Helper()
	backend := NewBackend()
	server := httptest.NewServer(backend.Router([]string{"*"}))
	client := NewHTTPClient(server.URL)
	return client, backend, server.Close
}

func TestPublishAndFetchResourceKeysRoundTrip(t *testing.T) {
	client, _, closeServer := newTestServer(t)
	defer closeServer()

	recipient, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	contentKey, err := primitives.GenerateContentKey()
	require.NoError(t, err)
	resourceID, err := resource.NewRandomResourceID()
	require.NoError(t, err)

	record, err := keypublish.MakeToUser(recipient.Public, contentKey, resourceID)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.PublishResourceKeys(ctx, []keypublish.Record{record}))

	blocks, err := client.FetchResourceKeys(ctx, resourceID)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, keypublish.NatureKeyPublishToUser, blocks[0].Nature)

	parsed, err := keypublish.ParseKeyPublish(blocks[0].Nature, blocks[0].Payload)
	require.NoError(t, err)
	toUser, ok := parsed.(keypublish.ToUser)
	require.True(t, ok)
	assert.Equal(t, recipient.Public, toUser.Recipient)
}

func TestFetchResourceKeysOnUnknownResourceIsEmpty(t *testing.T) {
	client, _, closeServer := newTestServer(t)
	defer closeServer()

	resourceID, err := resource.NewRandomResourceID()
	require.NoError(t, err)

	blocks, err := client.FetchResourceKeys(context.Background(), resourceID)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestPostGroupCreationAndAdditionThenFetchHistories(t *testing.T) {
	client, _, closeServer := newTestServer(t)
	defer closeServer()

	sigKeys, err := primitives.GenerateSignatureKeyPair()
	require.NoError(t, err)
	encKeys, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	memberKey, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)

	sealed, err := primitives.SealedBoxEncrypt(memberKey.Public, append(sigKeys.Private[:], encKeys.Private[:]...))
	require.NoError(t, err)

	var groupID group.GroupID
	copy(groupID[:], sigKeys.Public[:])

	creation := group.Creation{
		GroupID:             groupID,
		PublicSignatureKey:  sigKeys.Public,
		PublicEncryptionKey: encKeys.Public,
		Members:             []group.MemberSeal{{MemberPublicKey: memberKey.Public, Sealed: sealed}},
		SelfSignature:       []byte("sig"),
	}

	ctx := context.Background()
	require.NoError(t, client.PostGroupCreation(ctx, creation))

	histories, err := client.GetGroupHistoriesByID(ctx, []group.GroupID{groupID})
	require.NoError(t, err)
	require.Len(t, histories[groupID], 1)

	got, ok := histories[groupID][0].(group.Creation)
	require.True(t, ok)
	assert.Equal(t, creation.PublicEncryptionKey, got.PublicEncryptionKey)
	assert.Equal(t, creation.Members[0].MemberPublicKey, got.Members[0].MemberPublicKey)
	assert.Equal(t, creation.Members[0].Sealed, got.Members[0].Sealed)

	byPubKey, err := client.GetGroupHistoryByPublicKey(ctx, encKeys.Public)
	require.NoError(t, err)
	require.Len(t, byPubKey, 1)
}

func TestLatestPublicUserKeyRoundTrip(t *testing.T) {
	client, backend, closeServer := newTestServer(t)
	defer closeServer()

	keyPair, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	backend.SetUserKey("alice", keyPair.Public[:])

	got, err := client.LatestPublicUserKey(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, keyPair.Public, got)
}

func TestLatestPublicUserKeyUnknownUserFails(t *testing.T) {
	client, _, closeServer := newTestServer(t)
	defer closeServer()

	_, err := client.LatestPublicUserKey(context.Background(), "nobody")
	require.Error(t, err)
}

func TestGetProvisionalIdentitiesRoundTrip(t *testing.T) {
	client, backend, closeServer := newTestServer(t)
	defer closeServer()

	appSig, err := primitives.GenerateSignatureKeyPair()
	require.NoError(t, err)
	appEnc, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	tankerSig, err := primitives.GenerateSignatureKeyPair()
	require.NoError(t, err)
	tankerEnc, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)

	user := provisional.PublicProvisionalUser{
		Target:       provisional.TargetEmail,
		Value:        "dana@example.com",
		AppSigPub:    appSig.Public,
		AppEncPub:    appEnc.Public,
		TankerSigPub: tankerSig.Public,
		TankerEncPub: tankerEnc.Public,
	}
	backend.SetProvisionalUser(user)

	got, err := client.GetPublicProvisionalIdentities(context.Background(), []string{"dana@example.com"}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	resolved, ok := got["email:dana@example.com"]
	require.True(t, ok)
	assert.Equal(t, user.AppEncPub, resolved.AppEncPub)
	assert.Equal(t, user.TankerSigPub, resolved.TankerSigPub)
}

// TestProvisionalManagerResolvesIdentitiesThroughRealHTTPClient wires a
// provisional.Manager to the real HTTPClient/Backend pair rather than a
// test fake, so a key-convention mismatch between the two packages (the
// wire format keys resolved identities by "target:value", e.g.
// "email:dana@example.com") actually fails the way it would in production.
func TestProvisionalManagerResolvesIdentitiesThroughRealHTTPClient(t *testing.T) {
	client, backend, closeServer := newTestServer(t)
	defer closeServer()

	appSig, err := primitives.GenerateSignatureKeyPair()
	require.NoError(t, err)
	appEnc, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	tankerSig, err := primitives.GenerateSignatureKeyPair()
	require.NoError(t, err)
	tankerEnc, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)

	user := provisional.PublicProvisionalUser{
		Target:       provisional.TargetEmail,
		Value:        "dana@example.com",
		AppSigPub:    appSig.Public,
		AppEncPub:    appEnc.Public,
		TankerSigPub: tankerSig.Public,
		TankerEncPub: tankerEnc.Public,
	}
	backend.SetProvisionalUser(user)

	var secret [32]byte
	ks, err := keystore.Bootstrap(uuid.New(), uuid.New(), secret)
	require.NoError(t, err)
	manager := provisional.NewManager(client, ks, [16]byte{}, []byte("integration-test-signing-key"), time.Minute)

	out, err := manager.GetProvisionalUsers(context.Background(), []provisional.PublicIdentity{
		{Target: provisional.TargetEmail, Value: "dana@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, user.AppEncPub, out[0].AppEncPub)
	assert.Equal(t, user.TankerSigPub, out[0].TankerSigPub)
}

func TestPostProvisionalClaimIsRecorded(t *testing.T) {
	client, backend, closeServer := newTestServer(t)
	defer closeServer()

	record := provisional.ClaimRecord{
		SealedPrivateKeys: []byte("sealed"),
	}
	require.NoError(t, client.PostProvisionalClaim(context.Background(), record))

	require.Len(t, backend.claims, 1)
	assert.Equal(t, record.SealedPrivateKeys, backend.claims[0].SealedPrivateKeys)
}
