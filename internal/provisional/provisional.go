// Package provisional implements the provisional-identity manager: it
// resolves out-of-band identifiers (email, phone) to their server-side
// public key pairs, and mediates claiming a provisional identity once its
// holder has proved ownership, folding the claimed key pairs into the
// local keystore.
package provisional

import (
	"context"
	"log"
	"os"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/keystore"
	"github.com/tanker-go/e2ee-core/internal/primitives"
)

var logger = log.New(os.Stdout, "[provisional] ", log.Ldate|log.Ltime|log.LUTC)

// Target names the kind of out-of-band identifier a provisional identity is
// bound to.
type Target int

const (
	TargetEmail Target = iota
	TargetPhone
)

func (t Target) String() string {
	if t == TargetPhone {
		return "phone"
	}
	return "email"
}

// PublicIdentity is what a sharer supplies: an out-of-band identifier they
// want to share with, not yet resolved to any key material.
type PublicIdentity struct {
	Target Target
	Value  string
}

// PublicProvisionalUser is the network's resolution of a PublicIdentity to
// its server- and app-side public key pairs.
type PublicProvisionalUser struct {
	TrustchainID  [16]byte
	Target        Target
	Value         string
	AppEncPub     [primitives.KeySize]byte
	AppSigPub     [primitives.SignPublicKeySize]byte
	TankerEncPub  [primitives.KeySize]byte
	TankerSigPub  [primitives.SignPublicKeySize]byte
}

// SecretIdentity is the full provisional identity as only its creator (or
// someone who received it out of band) knows it: the out-of-band target,
// plus the app-side key pairs generated when the identity was minted.
type SecretIdentity struct {
	Target    Target
	Value     string
	AppSigKey primitives.SignatureKeyPair
	AppEncKey primitives.EncryptionKeyPair
}

// AttachStatus is the outcome of Attach.
type AttachStatus int

const (
	StatusReady AttachStatus = iota
	StatusIdentityVerificationNeeded
)

// AttachResult is returned by Attach.
type AttachResult struct {
	Status            AttachStatus
	VerificationMethod Target
}

// VerificationProof is the host app's out-of-band proof (an emailed code,
// an SMS code, or an OIDC subject) that the caller really controls the
// pending identity's target value.
type VerificationProof struct {
	Target Target
	Value  string
	Code   string
}

// TankerKeyPairs is the server-held half of a provisional identity,
// released only once ownership is proven (or, for a silent claim, never
// gated at all).
type TankerKeyPairs struct {
	SigKey primitives.SignatureKeyPair
	EncKey primitives.EncryptionKeyPair
}

// Client is the network collaborator this manager depends on.
type Client interface {
	GetPublicProvisionalIdentities(ctx context.Context, emails, phones []string) (map[string]PublicProvisionalUser, error)
	AttemptSilentClaim(ctx context.Context, identity SecretIdentity) (TankerKeyPairs, bool, error)
	RequestVerificationClaim(ctx context.Context, proof VerificationProof, sessionToken string) (TankerKeyPairs, error)
	PostProvisionalClaim(ctx context.Context, record ClaimRecord) error
}

// ClaimRecord is the record posted to attach a provisional identity to the
// local user. It carries no signature; claim posts it unsigned.
type ClaimRecord struct {
	UserID               [16]byte
	CurrentUserPublicKey [primitives.KeySize]byte
	AppSigPub            [primitives.SignPublicKeySize]byte
	TankerSigPub         [primitives.SignPublicKeySize]byte
	SealedPrivateKeys    []byte // sealed_box(appEncPriv || tankerEncPriv, currentUserPublicKey)
}

// Manager is the provisional-identity manager: it resolves out-of-band
// identities to public key material and mediates claiming one.
type Manager struct {
	client     Client
	keystore   *keystore.Keystore
	userID     [16]byte
	signingKey []byte
	sessionTTL time.Duration

	pending *pendingClaim
	claimed map[string]bool
}

type pendingClaim struct {
	identity     SecretIdentity
	sessionToken string
}

// attachmentSessionClaims is the payload of the short-lived token a host
// app presents back to Verify after accepting an out-of-band verification
// code, binding that code to the identity Attach stashed.
type attachmentSessionClaims struct {
	jwt.RegisteredClaims
	Target Target `json:"target"`
	Value  string `json:"value"`
}

// NewManager constructs a provisional-identity manager for the local user
// identified by userID. signingKey and sessionTTL govern the short-lived
// attachment session token minted between Attach and Verify.
func NewManager(client Client, ks *keystore.Keystore, userID [16]byte, signingKey []byte, sessionTTL time.Duration) *Manager {
	return &Manager{
		client:     client,
		keystore:   ks,
		userID:     userID,
		signingKey: signingKey,
		sessionTTL: sessionTTL,
		claimed:    map[string]bool{},
	}
}

func identityKey(target Target, value string) string {
	return target.String() + ":" + value
}

// GetProvisionalUsers resolves identities to their public key material, in
// the caller-supplied order.
func (m *Manager) GetProvisionalUsers(ctx context.Context, identities []PublicIdentity) ([]PublicProvisionalUser, error) {
	var emails, phones []string
	for _, id := range identities {
		switch id.Target {
		case TargetEmail:
			emails = append(emails, id.Value)
		case TargetPhone:
			phones = append(phones, id.Value)
		default:
			return nil, corerr.New(corerr.InvalidArgument, "unsupported provisional identity target")
		}
	}

	resolved, err := m.client.GetPublicProvisionalIdentities(ctx, emails, phones)
	if err != nil {
		return nil, corerr.Wrap(corerr.NetworkError, err, "fetch public provisional identities")
	}

	out := make([]PublicProvisionalUser, 0, len(identities))
	for _, id := range identities {
		user, ok := resolved[identityKey(id.Target, id.Value)]
		if !ok {
			return nil, corerr.Newf(corerr.InvalidArgument, "no provisional identity found for %s", id.Value)
		}
		out = append(out, user)
	}
	return out, nil
}

// Attach begins claiming identity. If this manager has already claimed this
// identity, it reports StatusReady immediately. Otherwise it
// attempts a silent claim; if the server requires out-of-band
// verification, the identity is stashed and StatusIdentityVerificationNeeded
// is returned.
func (m *Manager) Attach(ctx context.Context, identity SecretIdentity) (AttachResult, error) {
	if m.claimed[identityKey(identity.Target, identity.Value)] {
		return AttachResult{Status: StatusReady}, nil
	}

	tankerKeys, granted, err := m.client.AttemptSilentClaim(ctx, identity)
	if err != nil {
		return AttachResult{}, corerr.Wrap(corerr.NetworkError, err, "attempt silent provisional claim")
	}
	if granted {
		if err := m.claim(ctx, identity, tankerKeys); err != nil {
			return AttachResult{}, err
		}
		return AttachResult{Status: StatusReady}, nil
	}

	sessionToken, err := issueAttachmentSessionToken(m.signingKey, identity.Target, identity.Value, m.sessionTTL)
	if err != nil {
		return AttachResult{}, err
	}
	m.pending = &pendingClaim{identity: identity, sessionToken: sessionToken}
	logger.Printf("provisional identity %s requires verification before claim", identity.Value)
	return AttachResult{Status: StatusIdentityVerificationNeeded, VerificationMethod: identity.Target}, nil
}

// Verify completes a claim that Attach reported as needing verification: it
// cross-checks the proof against the pending identity and its session
// token, fetches the server's tanker key pairs, and posts the claim record.
func (m *Manager) Verify(ctx context.Context, proof VerificationProof) error {
	if m.pending == nil {
		return corerr.New(corerr.PreconditionFailed, "no pending provisional identity to verify")
	}
	pending := m.pending.identity
	if proof.Target != pending.Target || proof.Value != pending.Value {
		return corerr.New(corerr.InvalidVerification, "verification target does not match pending provisional identity")
	}

	tokenTarget, tokenValue, err := parseAttachmentSessionToken(m.signingKey, m.pending.sessionToken)
	if err != nil {
		return corerr.Wrap(corerr.InvalidVerification, err, "parse attachment session token")
	}
	if tokenTarget != pending.Target || tokenValue != pending.Value {
		return corerr.New(corerr.InvalidVerification, "attachment session token does not match pending provisional identity")
	}

	tankerKeys, err := m.client.RequestVerificationClaim(ctx, proof, m.pending.sessionToken)
	if err != nil {
		return corerr.Wrap(corerr.NetworkError, err, "request verified provisional claim")
	}

	if err := m.claim(ctx, pending, tankerKeys); err != nil {
		return err
	}
	m.pending = nil
	return nil
}

// claim seals the recovered encryption private keys under the local user's
// current user public key, posts the (unsigned) claim record, and on success
// folds the claimed key pairs into the keystore.
func (m *Manager) claim(ctx context.Context, identity SecretIdentity, tankerKeys TankerKeyPairs) error {
	currentUserKey, err := m.keystore.CurrentUserKey()
	if err != nil {
		return err
	}

	sealedPlain := make([]byte, 0, 2*primitives.KeySize)
	sealedPlain = append(sealedPlain, identity.AppEncKey.Private[:]...)
	sealedPlain = append(sealedPlain, tankerKeys.EncKey.Private[:]...)

	sealed, err := primitives.SealedBoxEncrypt(currentUserKey.Public, sealedPlain)
	if err != nil {
		return corerr.Wrap(corerr.InternalError, err, "seal provisional claim private keys")
	}

	record := ClaimRecord{
		UserID:               m.userID,
		CurrentUserPublicKey: currentUserKey.Public,
		AppSigPub:            identity.AppSigKey.Public,
		TankerSigPub:         tankerKeys.SigKey.Public,
		SealedPrivateKeys:    sealed,
	}
	if err := m.client.PostProvisionalClaim(ctx, record); err != nil {
		return corerr.Wrap(corerr.NetworkError, err, "post provisional claim record")
	}

	m.keystore.AddProvisionalKey(identity.AppSigKey.Public, tankerKeys.SigKey.Public, identity.AppEncKey, tankerKeys.EncKey)
	m.claimed[identityKey(identity.Target, identity.Value)] = true
	logger.Printf("claimed provisional identity %s", identity.Value)
	return nil
}

// issueAttachmentSessionToken mints the short-lived token Verify expects
// back, scoping it to the target/value pair Attach stashed so a verified
// proof cannot be replayed against a different pending identity.
func issueAttachmentSessionToken(signingKey []byte, target Target, value string, ttl time.Duration) (string, error) {
	claims := attachmentSessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Target: target,
		Value:  value,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", corerr.Wrap(corerr.InternalError, err, "sign attachment session token")
	}
	return signed, nil
}

// parseAttachmentSessionToken validates a token minted by
// issueAttachmentSessionToken and recovers its bound target/value.
func parseAttachmentSessionToken(signingKey []byte, tokenString string) (Target, string, error) {
	var claims attachmentSessionClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return signingKey, nil
	})
	if err != nil {
		return 0, "", corerr.Wrap(corerr.InvalidVerification, err, "parse attachment session token")
	}
	return claims.Target, claims.Value, nil
}
