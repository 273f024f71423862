package resourcemanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/keypublish"
	"github.com/tanker-go/e2ee-core/internal/primitives"
	"github.com/tanker-go/e2ee-core/internal/resource"
)

type fakeStore struct {
	keys map[resource.ResourceID][primitives.KeySize]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{keys: map[resource.ResourceID][primitives.KeySize]byte{}}
}

func (s *fakeStore) SaveKey(_ context.Context, id resource.ResourceID, key [primitives.KeySize]byte) error {
	s.keys[id] = key
	return nil
}

func (s *fakeStore) FindKey(_ context.Context, id resource.ResourceID) ([primitives.KeySize]byte, bool, error) {
	k, ok := s.keys[id]
	return k, ok, nil
}

type fakeClient struct {
	blocksByID map[resource.ResourceID][]Block
}

func (c *fakeClient) FetchResourceKeys(_ context.Context, id resource.ResourceID) ([]Block, error) {
	return c.blocksByID[id], nil
}

// fakeDecryptor returns a single fixed content key for any record, which is
// enough to exercise the resource manager's cache/fetch/decrypt wiring
// without re-testing internal/keydecryptor's own dispatch logic here.
type fakeDecryptor struct {
	key [primitives.KeySize]byte
	err error
}

func (d *fakeDecryptor) Decrypt(_ context.Context, _ keypublish.Record) ([primitives.KeySize]byte, error) {
	if d.err != nil {
		return [primitives.KeySize]byte{}, d.err
	}
	return d.key, nil
}

func TestMakeSimpleResourceThenFindKeyServesFromCache(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{}
	manager := New(client, store, &fakeDecryptor{})

	ctx := context.Background()
	res, err := manager.MakeSimpleResource(ctx, []byte("hello world"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.EncryptedBytes)

	key, err := manager.FindKey(ctx, res.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, res.ContentKey, key)

	decrypted, err := resource.DecryptSimple(res.ContentKey, res.EncryptedBytes)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), decrypted)
}

func TestFindKeyFetchesAndDecryptsOnCacheMiss(t *testing.T) {
	recipient, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	contentKey, err := primitives.GenerateContentKey()
	require.NoError(t, err)
	resourceID, err := resource.NewRandomResourceID()
	require.NoError(t, err)

	record, err := keypublish.MakeToUser(recipient.Public, contentKey, resourceID)
	require.NoError(t, err)
	payload, err := record.MarshalBinary()
	require.NoError(t, err)

	client := &fakeClient{blocksByID: map[resource.ResourceID][]Block{
		resourceID: {{Nature: keypublish.NatureKeyPublishToUser, Payload: payload}},
	}}
	store := newFakeStore()
	decryptor := &fakeDecryptor{key: contentKey}
	manager := New(client, store, decryptor)

	got, err := manager.FindKey(context.Background(), resourceID)
	require.NoError(t, err)
	assert.Equal(t, contentKey, got)

	cached, ok, err := store.FindKey(context.Background(), resourceID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, contentKey, cached)
}

func TestFindKeyWithNoPublishedRecordsFails(t *testing.T) {
	resourceID, err := resource.NewRandomResourceID()
	require.NoError(t, err)
	client := &fakeClient{blocksByID: map[resource.ResourceID][]Block{}}
	store := newFakeStore()
	manager := New(client, store, &fakeDecryptor{})

	_, err = manager.FindKey(context.Background(), resourceID)
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.InvalidArgument))
}

func TestMakeStreamResourceSavesKeyWithoutEncryptedBytes(t *testing.T) {
	store := newFakeStore()
	manager := New(&fakeClient{}, store, &fakeDecryptor{})

	res, err := manager.MakeStreamResource(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.EncryptedBytes)

	cached, ok, err := store.FindKey(context.Background(), res.ResourceID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.ContentKey, cached)
}
