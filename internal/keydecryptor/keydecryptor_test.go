package keydecryptor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/keypublish"
	"github.com/tanker-go/e2ee-core/internal/keystore"
	"github.com/tanker-go/e2ee-core/internal/primitives"
	"github.com/tanker-go/e2ee-core/internal/resource"
)

type fakeUsers struct {
	pairs map[[primitives.KeySize]byte]primitives.EncryptionKeyPair
}

func (f fakeUsers) FindUserKey(pub [primitives.KeySize]byte) (primitives.EncryptionKeyPair, bool) {
	p, ok := f.pairs[pub]
	return p, ok
}

type fakeGroups struct {
	pairs map[[primitives.KeySize]byte]primitives.EncryptionKeyPair
}

func (f fakeGroups) GetGroupEncryptionKeyPair(_ context.Context, pub [primitives.KeySize]byte) (primitives.EncryptionKeyPair, error) {
	p, ok := f.pairs[pub]
	if !ok {
		return primitives.EncryptionKeyPair{}, corerr.New(corerr.InvalidArgument, "not a member")
	}
	return p, nil
}

type fakeProvisional struct {
	pair keystore.ProvisionalKeyPair
	has  bool
}

func (f fakeProvisional) FindProvisionalKey(_, _ [primitives.SignPublicKeySize]byte) (keystore.ProvisionalKeyPair, bool) {
	return f.pair, f.has
}

func genResourceID(t *testing.T) resource.ResourceID {
	t.Helper()
	var id resource.ResourceID
	copy(id[:], []byte("0123456789abcdef"))
	return id
}

func TestDecryptToUser(t *testing.T) {
	recipient, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	contentKey, err := primitives.GenerateContentKey()
	require.NoError(t, err)
	record, err := keypublish.MakeToUser(recipient.Public, contentKey, genResourceID(t))
	require.NoError(t, err)

	d := New(
		fakeUsers{pairs: map[[primitives.KeySize]byte]primitives.EncryptionKeyPair{recipient.Public: recipient}},
		fakeGroups{},
		fakeProvisional{},
	)
	got, err := d.Decrypt(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, contentKey, got)
}

func TestDecryptToUserMissingKeyFails(t *testing.T) {
	recipient, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	contentKey, err := primitives.GenerateContentKey()
	require.NoError(t, err)
	record, err := keypublish.MakeToUser(recipient.Public, contentKey, genResourceID(t))
	require.NoError(t, err)

	d := New(fakeUsers{pairs: map[[primitives.KeySize]byte]primitives.EncryptionKeyPair{}}, fakeGroups{}, fakeProvisional{})
	_, err = d.Decrypt(context.Background(), record)
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.DecryptionFailed))
}

func TestDecryptToGroup(t *testing.T) {
	group, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	contentKey, err := primitives.GenerateContentKey()
	require.NoError(t, err)
	record, err := keypublish.MakeToGroup(group.Public, contentKey, genResourceID(t))
	require.NoError(t, err)

	d := New(
		fakeUsers{},
		fakeGroups{pairs: map[[primitives.KeySize]byte]primitives.EncryptionKeyPair{group.Public: group}},
		fakeProvisional{},
	)
	got, err := d.Decrypt(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, contentKey, got)
}

func TestDecryptToGroupNotMemberFails(t *testing.T) {
	group, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	contentKey, err := primitives.GenerateContentKey()
	require.NoError(t, err)
	record, err := keypublish.MakeToGroup(group.Public, contentKey, genResourceID(t))
	require.NoError(t, err)

	d := New(fakeUsers{}, fakeGroups{pairs: map[[primitives.KeySize]byte]primitives.EncryptionKeyPair{}}, fakeProvisional{})
	_, err = d.Decrypt(context.Background(), record)
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.DecryptionFailed))
}

func TestDecryptToProvisional(t *testing.T) {
	appSig, err := primitives.GenerateSignatureKeyPair()
	require.NoError(t, err)
	tankerSig, err := primitives.GenerateSignatureKeyPair()
	require.NoError(t, err)
	appEnc, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	tankerEnc, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	contentKey, err := primitives.GenerateContentKey()
	require.NoError(t, err)

	record, err := keypublish.MakeToProvisional(appSig.Public, tankerSig.Public, appEnc.Public, tankerEnc.Public, contentKey, genResourceID(t))
	require.NoError(t, err)

	d := New(fakeUsers{}, fakeGroups{}, fakeProvisional{
		has:  true,
		pair: keystore.ProvisionalKeyPair{AppEncryption: appEnc, TankerEncryption: tankerEnc},
	})
	got, err := d.Decrypt(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, contentKey, got)
}

func TestDecryptToProvisionalUnclaimedFails(t *testing.T) {
	appSig, err := primitives.GenerateSignatureKeyPair()
	require.NoError(t, err)
	tankerSig, err := primitives.GenerateSignatureKeyPair()
	require.NoError(t, err)
	appEnc, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	tankerEnc, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	contentKey, err := primitives.GenerateContentKey()
	require.NoError(t, err)

	record, err := keypublish.MakeToProvisional(appSig.Public, tankerSig.Public, appEnc.Public, tankerEnc.Public, contentKey, genResourceID(t))
	require.NoError(t, err)

	d := New(fakeUsers{}, fakeGroups{}, fakeProvisional{has: false})
	_, err = d.Decrypt(context.Background(), record)
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.DecryptionFailed))
}
