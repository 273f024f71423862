// Package vaultstore implements keystore.BlobStore against HashiCorp
// Vault's KV v2 secrets engine, for host apps that already run Vault and
// would rather not stand up a separate object store for this one blob.
// Grounded on JaydenBeard-SilentRelay/internal/config/config.go's
// VaultClient (api.Config + token auth, KVv2 Get/Put against a mount/path
// pair).
package vaultstore

import (
	"context"
	"encoding/base64"
	"log"
	"os"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/tanker-go/e2ee-core/internal/corerr"
)

var logger = log.New(os.Stdout, "[vaultstore] ", log.Ldate|log.Ltime|log.LUTC)

const blobField = "blob"

// Store persists one keystore blob as a single field in a KV v2 secret.
type Store struct {
	client     *vaultapi.Client
	mountPath  string
	secretPath string
}

// New connects to Vault at addr, authenticating with token, and scopes the
// store to one secret at mountPath/secretPath.
func New(addr, token, mountPath, secretPath string) (*Store, error) {
	client, err := vaultapi.NewClient(&vaultapi.Config{Address: addr})
	if err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err, "construct vault client")
	}
	client.SetToken(token)

	if _, err := client.Sys().Health(); err != nil {
		return nil, corerr.Wrap(corerr.NetworkError, err, "connect to vault")
	}

	logger.Printf("vault keystore store ready at %s/%s", mountPath, secretPath)
	return &Store{client: client, mountPath: mountPath, secretPath: secretPath}, nil
}

// Save writes blob (base64-encoded, since Vault KV values are strings) to
// this store's secret.
func (s *Store) Save(ctx context.Context, blob []byte) error {
	data := map[string]interface{}{
		blobField: base64.StdEncoding.EncodeToString(blob),
	}
	if _, err := s.client.KVv2(s.mountPath).Put(ctx, s.secretPath, data); err != nil {
		return corerr.Wrap(corerr.NetworkError, err, "put keystore blob to vault")
	}
	return nil
}

// Load reads back the blob previously written by Save.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	secret, err := s.client.KVv2(s.mountPath).Get(ctx, s.secretPath)
	if err != nil {
		return nil, corerr.Wrap(corerr.NetworkError, err, "get keystore blob from vault")
	}
	if secret == nil || secret.Data == nil {
		return nil, corerr.New(corerr.ResourceNotFound, "no keystore blob stored at this vault path")
	}

	encoded, ok := secret.Data[blobField].(string)
	if !ok {
		return nil, corerr.New(corerr.DecryptionFailed, "keystore blob field missing or not a string")
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, corerr.Wrap(corerr.DecryptionFailed, err, "decode keystore blob from vault")
	}
	return blob, nil
}
