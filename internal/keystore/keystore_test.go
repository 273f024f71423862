package keystore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanker-go/e2ee-core/internal/primitives"
)

type memStore struct {
	blob []byte
}

func (m *memStore) Save(_ context.Context, blob []byte) error {
	m.blob = append([]byte(nil), blob...)
	return nil
}

func (m *memStore) Load(_ context.Context) ([]byte, error) {
	return append([]byte(nil), m.blob...), nil
}

func newTestSecret(t *testing.T) [32]byte {
	t.Helper()
	var s [32]byte
	copy(s[:], []byte("0123456789abcdef0123456789abcde"))
	return s
}

func TestKeystoreSaveLoadRoundTrip(t *testing.T) {
	secret := newTestSecret(t)
	ks, err := Bootstrap(uuid.New(), uuid.New(), secret)
	require.NoError(t, err)

	extraKey, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	ks.AddUserKey(extraKey)

	appSig, err := primitives.GenerateSignatureKeyPair()
	require.NoError(t, err)
	tankerSig, err := primitives.GenerateSignatureKeyPair()
	require.NoError(t, err)
	appEnc, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	tankerEnc, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	ks.AddProvisionalKey(appSig.Public, tankerSig.Public, appEnc, tankerEnc)

	store := &memStore{}
	ctx := context.Background()
	require.NoError(t, ks.Save(ctx, store))

	loaded, err := Load(ctx, store, secret)
	require.NoError(t, err)

	assert.Equal(t, ks.user.TrustchainID, loaded.user.TrustchainID)
	assert.Equal(t, ks.user.UserID, loaded.user.UserID)
	assert.Equal(t, ks.DeviceSignatureKeyPair(), loaded.DeviceSignatureKeyPair())
	assert.Equal(t, ks.DeviceEncryptionKeyPair(), loaded.DeviceEncryptionKeyPair())
	assert.Equal(t, ks.UserKeys(), loaded.UserKeys())

	current, err := loaded.CurrentUserKey()
	require.NoError(t, err)
	assert.Equal(t, extraKey, current)

	gotPair, ok := loaded.FindProvisionalKey(appSig.Public, tankerSig.Public)
	require.True(t, ok)
	assert.Equal(t, appEnc, gotPair.AppEncryption)
	assert.Equal(t, tankerEnc, gotPair.TankerEncryption)
}

func TestKeystoreLoadWithWrongSecretFails(t *testing.T) {
	secret := newTestSecret(t)
	ks, err := Bootstrap(uuid.New(), uuid.New(), secret)
	require.NoError(t, err)

	store := &memStore{}
	ctx := context.Background()
	require.NoError(t, ks.Save(ctx, store))

	var wrongSecret [32]byte
	copy(wrongSecret[:], []byte("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"))
	_, err = Load(ctx, store, wrongSecret)
	require.Error(t, err)
}

func TestFindUserKeyMissReturnsFalse(t *testing.T) {
	secret := newTestSecret(t)
	ks, err := Bootstrap(uuid.New(), uuid.New(), secret)
	require.NoError(t, err)

	var random [32]byte
	copy(random[:], []byte("not-a-real-public-key-at-all!!!"))
	_, ok := ks.FindUserKey(random)
	assert.False(t, ok)
}

func TestPrependUserKeyOrdering(t *testing.T) {
	secret := newTestSecret(t)
	ks, err := Bootstrap(uuid.New(), uuid.New(), secret)
	require.NoError(t, err)

	original := ks.UserKeys()
	require.Len(t, original, 1)

	older, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	ks.PrependUserKey(older)

	keys := ks.UserKeys()
	require.Len(t, keys, 2)
	assert.Equal(t, older, keys[0])
	assert.Equal(t, original[0], keys[1])

	current, err := ks.CurrentUserKey()
	require.NoError(t, err)
	assert.Equal(t, original[0], current)
}

func TestPassphraseUnlockRoundTrip(t *testing.T) {
	secret, wrapped, err := GenerateVerificationKey("correct horse battery staple")
	require.NoError(t, err)

	recovered, err := UnlockWithPassphrase("correct horse battery staple", wrapped)
	require.NoError(t, err)
	assert.Equal(t, secret, recovered)

	_, err = UnlockWithPassphrase("wrong passphrase", wrapped)
	require.Error(t, err)
}
