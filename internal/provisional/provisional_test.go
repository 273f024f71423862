package provisional

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanker-go/e2ee-core/internal/keystore"
	"github.com/tanker-go/e2ee-core/internal/primitives"
)

type fakeClient struct {
	publicByValue   map[string]PublicProvisionalUser
	silentGrant     bool
	tankerKeys      TankerKeyPairs
	verifyGrant     bool
	postedClaims    []ClaimRecord
}

func (f *fakeClient) GetPublicProvisionalIdentities(_ context.Context, emails, phones []string) (map[string]PublicProvisionalUser, error) {
	return f.publicByValue, nil
}

func (f *fakeClient) AttemptSilentClaim(_ context.Context, _ SecretIdentity) (TankerKeyPairs, bool, error) {
	if f.silentGrant {
		return f.tankerKeys, true, nil
	}
	return TankerKeyPairs{}, false, nil
}

func (f *fakeClient) RequestVerificationClaim(_ context.Context, _ VerificationProof, _ string) (TankerKeyPairs, error) {
	return f.tankerKeys, nil
}

func (f *fakeClient) PostProvisionalClaim(_ context.Context, record ClaimRecord) error {
	f.postedClaims = append(f.postedClaims, record)
	return nil
}

func newTestKeystore(t *testing.T) *keystore.Keystore {
	t.Helper()
	var secret [32]byte
	copy(secret[:], []byte("0123456789abcdef0123456789abcde"))
	ks, err := keystore.Bootstrap(uuid.New(), uuid.New(), secret)
	require.NoError(t, err)
	return ks
}

func genTankerKeys(t *testing.T) TankerKeyPairs {
	t.Helper()
	sig, err := primitives.GenerateSignatureKeyPair()
	require.NoError(t, err)
	enc, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	return TankerKeyPairs{SigKey: sig, EncKey: enc}
}

func genSecretIdentity(t *testing.T, value string) SecretIdentity {
	t.Helper()
	sig, err := primitives.GenerateSignatureKeyPair()
	require.NoError(t, err)
	enc, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	return SecretIdentity{Target: TargetEmail, Value: value, AppSigKey: sig, AppEncKey: enc}
}

func TestGetProvisionalUsersPreservesOrder(t *testing.T) {
	a := PublicProvisionalUser{Value: "a@example.com"}
	b := PublicProvisionalUser{Value: "b@example.com"}
	client := &fakeClient{publicByValue: map[string]PublicProvisionalUser{"email:a@example.com": a, "email:b@example.com": b}}
	ks := newTestKeystore(t)
	manager := NewManager(client, ks, [16]byte{}, []byte("test-signing-key-0123456789abcdef"), time.Minute)

	out, err := manager.GetProvisionalUsers(context.Background(), []PublicIdentity{
		{Target: TargetEmail, Value: "b@example.com"},
		{Target: TargetEmail, Value: "a@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "b@example.com", out[0].Value)
	assert.Equal(t, "a@example.com", out[1].Value)
}

func TestGetProvisionalUsersRejectsUnknownIdentity(t *testing.T) {
	client := &fakeClient{publicByValue: map[string]PublicProvisionalUser{}}
	ks := newTestKeystore(t)
	manager := NewManager(client, ks, [16]byte{}, []byte("test-signing-key-0123456789abcdef"), time.Minute)

	_, err := manager.GetProvisionalUsers(context.Background(), []PublicIdentity{{Target: TargetEmail, Value: "nobody@example.com"}})
	require.Error(t, err)
}

func TestAttachSilentClaimGrantsReadyImmediately(t *testing.T) {
	tk := genTankerKeys(t)
	client := &fakeClient{silentGrant: true, tankerKeys: tk}
	ks := newTestKeystore(t)
	manager := NewManager(client, ks, [16]byte{}, []byte("test-signing-key-0123456789abcdef"), time.Minute)

	identity := genSecretIdentity(t, "alice@example.com")
	result, err := manager.Attach(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, result.Status)
	require.Len(t, client.postedClaims, 1)

	pair, ok := ks.FindProvisionalKey(identity.AppSigKey.Public, tk.SigKey.Public)
	require.True(t, ok)
	assert.Equal(t, identity.AppEncKey, pair.AppEncryption)
	assert.Equal(t, tk.EncKey, pair.TankerEncryption)

	// A second attach for the same identity is already claimed, no new
	// network round trip needed.
	result2, err := manager.Attach(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, result2.Status)
	assert.Len(t, client.postedClaims, 1)
}

func TestAttachRequiresVerificationThenVerifyCompletesClaim(t *testing.T) {
	tk := genTankerKeys(t)
	client := &fakeClient{silentGrant: false, tankerKeys: tk}
	ks := newTestKeystore(t)
	manager := NewManager(client, ks, [16]byte{}, []byte("test-signing-key-0123456789abcdef"), time.Minute)

	identity := genSecretIdentity(t, "bob@example.com")
	result, err := manager.Attach(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, StatusIdentityVerificationNeeded, result.Status)
	assert.Equal(t, TargetEmail, result.VerificationMethod)

	err = manager.Verify(context.Background(), VerificationProof{Target: TargetEmail, Value: "bob@example.com", Code: "123456"})
	require.NoError(t, err)

	pair, ok := ks.FindProvisionalKey(identity.AppSigKey.Public, tk.SigKey.Public)
	require.True(t, ok)
	assert.Equal(t, tk.EncKey, pair.TankerEncryption)
}

func TestVerifyRejectsMismatchedTarget(t *testing.T) {
	client := &fakeClient{silentGrant: false}
	ks := newTestKeystore(t)
	manager := NewManager(client, ks, [16]byte{}, []byte("test-signing-key-0123456789abcdef"), time.Minute)

	identity := genSecretIdentity(t, "carol@example.com")
	_, err := manager.Attach(context.Background(), identity)
	require.NoError(t, err)

	err = manager.Verify(context.Background(), VerificationProof{Target: TargetEmail, Value: "someone-else@example.com"})
	require.Error(t, err)
}

func TestVerifyWithoutPendingIdentityFails(t *testing.T) {
	client := &fakeClient{}
	ks := newTestKeystore(t)
	manager := NewManager(client, ks, [16]byte{}, []byte("test-signing-key-0123456789abcdef"), time.Minute)

	err := manager.Verify(context.Background(), VerificationProof{Target: TargetEmail, Value: "nobody@example.com"})
	require.Error(t, err)
}
