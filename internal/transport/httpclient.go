package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/group"
	"github.com/tanker-go/e2ee-core/internal/keypublish"
	"github.com/tanker-go/e2ee-core/internal/primitives"
	"github.com/tanker-go/e2ee-core/internal/provisional"
	"github.com/tanker-go/e2ee-core/internal/resource"
	"github.com/tanker-go/e2ee-core/internal/resourcemanager"
)

// HTTPClient is the network collaborator every manager in this core talks
// to: it implements internal/group.Client, internal/resourcemanager.Client,
// internal/provisional.Client, and the dataprotector.Client/Users
// interfaces against one trustchain-style REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient builds a client bound to baseURL, with the request timeouts
// the teacher applies to its own outbound HTTP calls.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body bytes.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return corerr.Wrap(corerr.InternalError, err, "encode request body")
		}
		body = *bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &body)
	if err != nil {
		return corerr.Wrap(corerr.InternalError, err, "build request")
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return corerr.Wrap(corerr.NetworkError, err, "perform request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return corerr.New(corerr.ResourceNotFound, "not found: "+path)
	}
	if resp.StatusCode >= 400 {
		return corerr.Newf(corerr.NetworkError, "request to %s failed with status %d", path, resp.StatusCode)
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return corerr.Wrap(corerr.InternalError, err, "decode response body")
	}
	return nil
}

// PublishResourceKeys posts a batch of key-publish records in one call.
func (c *HTTPClient) PublishResourceKeys(ctx context.Context, records []keypublish.Record) error {
	wires := make([]keyPublishWire, len(records))
	for i, record := range records {
		wire, err := encodeRecord(record)
		if err != nil {
			return err
		}
		wires[i] = wire
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/resources/keys/publish", wires, nil)
}

// FetchResourceKeys retrieves every key-publish record posted for a
// resource.
func (c *HTTPClient) FetchResourceKeys(ctx context.Context, resourceID resource.ResourceID) ([]resourcemanager.Block, error) {
	path := fmt.Sprintf("/v1/resources/%s/keys", hex.EncodeToString(resourceID[:]))
	var wires []keyPublishWire
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wires); err != nil {
		return nil, err
	}
	out := make([]resourcemanager.Block, len(wires))
	for i, w := range wires {
		out[i] = resourcemanager.Block{Nature: keypublish.Nature(w.Nature), Payload: w.Payload}
	}
	return out, nil
}

// GetGroupHistoriesByID fetches the append-only history for every
// requested group id.
func (c *HTTPClient) GetGroupHistoriesByID(ctx context.Context, ids []group.GroupID) (map[group.GroupID][]group.Record, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("id", groupIDToHex(id))
	}
	path := "/v1/groups/histories?" + q.Encode()

	var wire map[string][]groupRecordWire
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}

	out := make(map[group.GroupID][]group.Record, len(wire))
	for idHex, records := range wire {
		id, err := hexToGroupID(idHex)
		if err != nil {
			return nil, corerr.Wrap(corerr.InvalidArgument, err, "parse group id")
		}
		decoded := make([]group.Record, len(records))
		for i, r := range records {
			decoded[i] = decodeGroupRecord(r)
		}
		out[id] = decoded
	}
	return out, nil
}

// GetGroupHistoryByPublicKey fetches the history of whichever group
// currently has publicEncryptionKey as its public key.
func (c *HTTPClient) GetGroupHistoryByPublicKey(ctx context.Context, publicEncryptionKey [primitives.KeySize]byte) ([]group.Record, error) {
	path := "/v1/groups/history?publicKey=" + hex.EncodeToString(publicEncryptionKey[:])
	var wires []groupRecordWire
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wires); err != nil {
		return nil, err
	}
	out := make([]group.Record, len(wires))
	for i, w := range wires {
		out[i] = decodeGroupRecord(w)
	}
	return out, nil
}

// PostGroupCreation appends a group's founding record to its history.
func (c *HTTPClient) PostGroupCreation(ctx context.Context, record group.Creation) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/groups", encodeGroupRecord(record), nil)
}

// PostGroupAddition appends a membership-addition record to a group's
// history.
func (c *HTTPClient) PostGroupAddition(ctx context.Context, record group.Addition) error {
	path := fmt.Sprintf("/v1/groups/%s/additions", groupIDToHex(record.GroupID))
	return c.doJSON(ctx, http.MethodPost, path, encodeGroupRecord(record), nil)
}

// GetPublicProvisionalIdentities resolves a batch of emails/phones to
// whatever public provisional key material the server already holds for
// them.
func (c *HTTPClient) GetPublicProvisionalIdentities(ctx context.Context, emails, phones []string) (map[string]provisional.PublicProvisionalUser, error) {
	q := url.Values{}
	for _, e := range emails {
		q.Add("email", e)
	}
	for _, p := range phones {
		q.Add("phone", p)
	}
	path := "/v1/provisional/identities?" + q.Encode()

	var wire map[string]publicProvisionalUserWire
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	out := make(map[string]provisional.PublicProvisionalUser, len(wire))
	for k, v := range wire {
		out[k] = decodeProvisionalUser(v)
	}
	return out, nil
}

type silentClaimRequest struct {
	Target    string `json:"target"`
	Value     string `json:"value"`
	AppSigPub []byte `json:"appSigPub"`
	AppEncPub []byte `json:"appEncPub"`
}

type tankerKeyPairsWire struct {
	SigPub  []byte `json:"sigPub"`
	SigPriv []byte `json:"sigPriv"`
	EncPub  []byte `json:"encPub"`
	EncPriv []byte `json:"encPriv"`
}

type silentClaimResponse struct {
	Granted bool               `json:"granted"`
	Keys    tankerKeyPairsWire `json:"keys"`
}

// AttemptSilentClaim asks the server whether identity.Value is already
// verified (e.g. because the app itself vouches for it) and, if so,
// receives the tanker-held key pairs without any further verification
// step.
func (c *HTTPClient) AttemptSilentClaim(ctx context.Context, identity provisional.SecretIdentity) (provisional.TankerKeyPairs, bool, error) {
	req := silentClaimRequest{
		Target:    identity.Target.String(),
		Value:     identity.Value,
		AppSigPub: identity.AppSigKey.Public[:],
		AppEncPub: identity.AppEncKey.Public[:],
	}
	var resp silentClaimResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/provisional/claims/silent", req, &resp); err != nil {
		return provisional.TankerKeyPairs{}, false, err
	}
	if !resp.Granted {
		return provisional.TankerKeyPairs{}, false, nil
	}
	return decodeTankerKeyPairs(resp.Keys), true, nil
}

type verificationClaimRequest struct {
	Target       string `json:"target"`
	Value        string `json:"value"`
	Code         string `json:"code"`
	SessionToken string `json:"sessionToken"`
}

// RequestVerificationClaim submits a verification proof and session token
// and receives the tanker-held key pairs once the server confirms it.
func (c *HTTPClient) RequestVerificationClaim(ctx context.Context, proof provisional.VerificationProof, sessionToken string) (provisional.TankerKeyPairs, error) {
	req := verificationClaimRequest{
		Target:       proof.Target.String(),
		Value:        proof.Value,
		Code:         proof.Code,
		SessionToken: sessionToken,
	}
	var wire tankerKeyPairsWire
	if err := c.doJSON(ctx, http.MethodPost, "/v1/provisional/claims/verify", req, &wire); err != nil {
		return provisional.TankerKeyPairs{}, err
	}
	return decodeTankerKeyPairs(wire), nil
}

func decodeTankerKeyPairs(w tankerKeyPairsWire) provisional.TankerKeyPairs {
	var keys provisional.TankerKeyPairs
	copy(keys.SigKey.Public[:], w.SigPub)
	copy(keys.SigKey.Private[:], w.SigPriv)
	copy(keys.EncKey.Public[:], w.EncPub)
	copy(keys.EncKey.Private[:], w.EncPriv)
	return keys
}

// PostProvisionalClaim records that the local user has claimed a
// provisional identity.
func (c *HTTPClient) PostProvisionalClaim(ctx context.Context, record provisional.ClaimRecord) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/provisional/claims", encodeClaimRecord(record), nil)
}

type userKeyResponse struct {
	PublicKey []byte `json:"publicKey"`
}

// LatestPublicUserKey resolves a permanent user identity to their current
// public encryption key.
func (c *HTTPClient) LatestPublicUserKey(ctx context.Context, userID string) ([primitives.KeySize]byte, error) {
	path := "/v1/users/" + url.PathEscape(userID) + "/key"
	var resp userKeyResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return [primitives.KeySize]byte{}, err
	}
	return sliceToKey(resp.PublicKey), nil
}
