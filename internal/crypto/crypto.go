// Package crypto is the node's crypto boundary: it exposes the
// signature/encryption operations the ingress pipeline needs, delegating
// the actual cryptography to a pluggable KeyOps implementation, and
// resolving sender DID documents through a pluggable DIDResolver.
//
// Key Features:
//   - A narrow KeyOps interface so JOSE primitives stay an external concern
//   - A DIDResolver abstraction over DID-document lookup, with an in-memory stub
//   - Typed errors distinguishing missing key, stale message, untrusted signer,
//     malformed JOSE, and mismatched kid, per the error taxonomy
//
// Called by: internal/pipeline (ingress stage 2), internal/router (outbound signing)
// Calls: github.com/go-jose/go-jose/v4
package crypto

import (
	"fmt"
	"sync"

	josepkg "github.com/go-jose/go-jose/v4"

	"github.com/tap-rsvp/tap-node/internal/envelope"
)

// VerificationMethod is one entry in a DID document's verification method
// list: a key identifier plus its JWK-encoded public key material.
type VerificationMethod struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Controller   string             `json:"controller"`
	PublicKeyJWK josepkg.JSONWebKey `json:"public_key_jwk"`
}

// ServiceEndpoint is a DID document service entry, e.g. a DIDCommMessaging
// endpoint the router uses to reach an external recipient.
type ServiceEndpoint struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"service_endpoint"`
}

// Document is a resolved DID document: the subset of DID-core this node
// needs to verify signatures and discover transport endpoints.
type Document struct {
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verification_method"`
	Service            []ServiceEndpoint    `json:"service,omitempty"`
}

// VerificationMethodByID returns the verification method with the given id,
// or false if the document has none matching.
func (d *Document) VerificationMethodByID(id string) (VerificationMethod, bool) {
	for _, vm := range d.VerificationMethod {
		if vm.ID == id {
			return vm, true
		}
	}
	return VerificationMethod{}, false
}

// DIDCommEndpoint returns the first DIDCommMessaging service endpoint URL,
// or false if the document advertises none.
func (d *Document) DIDCommEndpoint() (string, bool) {
	for _, s := range d.Service {
		if s.Type == "DIDCommMessaging" {
			return s.ServiceEndpoint, true
		}
	}
	return "", false
}

// DIDResolver resolves a DID to its DID document. The core holds a handle to
// an external implementation; it never speaks a DID method's network
// protocol directly.
type DIDResolver interface {
	Resolve(did string) (*Document, error)
}

// KeyRef is an opaque reference to key material held by the external
// key-ops implementation (e.g. a key id or handle), never raw key bytes.
type KeyRef string

// KeyOps is the pluggable cryptographic boundary: sign/verify/encrypt/decrypt
// plus key generation, consumed from an external collaborator.
type KeyOps interface {
	Sign(payload []byte, key KeyRef) (envelope.Signature, error)
	Verify(payload []byte, sig envelope.Signature, doc *Document) error
	Encrypt(payload []byte, recipients []*Document) (ciphertext, protected, iv, tag string, recipientKeys []envelope.RecipientKey, err error)
	Decrypt(env *envelope.Envelope, key KeyRef, myKid string) ([]byte, error)
	GenerateKey(kind string) (KeyRef, error)
}

// Boundary wires a KeyOps implementation and a DIDResolver together to
// implement the envelope-level verify/decrypt/sign/encrypt contract of C2.
type Boundary struct {
	Keys     KeyOps
	Resolver DIDResolver
}

// New builds a Boundary from the given key-ops implementation and resolver.
func New(keys KeyOps, resolver DIDResolver) *Boundary {
	return &Boundary{Keys: keys, Resolver: resolver}
}

// Verify checks that every signature on a signed envelope authenticates the
// canonical payload using a verification method listed in the sender's
// resolved DID document.
func (b *Boundary) Verify(env *envelope.Envelope) error {
	if env.IsExpired() {
		return &StaleError{MessageID: env.ID}
	}
	doc, err := b.Resolver.Resolve(env.From)
	if err != nil {
		return &UntrustedSignerError{DID: env.From, Cause: err}
	}
	payload, err := env.CanonicalPayload()
	if err != nil {
		return &MalformedError{Reason: "cannot build canonical payload", Cause: err}
	}
	if len(env.Signatures) == 0 {
		return &MalformedError{Reason: "signed envelope has no signatures"}
	}
	for _, sig := range env.Signatures {
		if err := b.Keys.Verify(payload, sig, doc); err != nil {
			return err
		}
	}
	return nil
}

// Decrypt attempts decryption under each of the node's owned recipient DIDs,
// returning the first successful plaintext body.
func (b *Boundary) Decrypt(env *envelope.Envelope, owned map[string]KeyRef) (*envelope.Envelope, error) {
	if len(env.RecipientKeys) == 0 {
		return nil, &MalformedError{Reason: "encrypted envelope has no recipients"}
	}
	var lastErr error
	for _, rk := range env.RecipientKeys {
		for _, key := range owned {
			plain, err := b.Keys.Decrypt(env, key, rk.KeyID)
			if err != nil {
				lastErr = err
				continue
			}
			out := *env
			out.Typ = envelope.MediaTypePlain
			out.Body = plain
			out.CipherText = ""
			out.Protected = ""
			out.IV = ""
			out.Tag = ""
			out.RecipientKeys = nil
			return &out, nil
		}
	}
	if lastErr == nil {
		lastErr = &MissingKeyError{KeyID: "(none owned)"}
	}
	return nil, lastErr
}

// Sign produces a signed envelope from a plain one using the node's own key.
func (b *Boundary) Sign(plain *envelope.Envelope, key KeyRef) (*envelope.Envelope, error) {
	payload, err := plain.CanonicalPayload()
	if err != nil {
		return nil, &MalformedError{Reason: "cannot build canonical payload", Cause: err}
	}
	sig, err := b.Keys.Sign(payload, key)
	if err != nil {
		return nil, err
	}
	out := *plain
	out.Typ = envelope.MediaTypeSigned
	out.Signatures = []envelope.Signature{sig}
	return &out, nil
}

// Encrypt produces an encrypted envelope from a plain one for the given
// recipient DID documents.
func (b *Boundary) Encrypt(plain *envelope.Envelope, recipients []*Document) (*envelope.Envelope, error) {
	ciphertext, protected, iv, tag, recipientKeys, err := b.Keys.Encrypt(plain.Body, recipients)
	if err != nil {
		return nil, err
	}
	out := *plain
	out.Typ = envelope.MediaTypeEncrypted
	out.Body = nil
	out.CipherText = ciphertext
	out.Protected = protected
	out.IV = iv
	out.Tag = tag
	out.RecipientKeys = recipientKeys
	return &out, nil
}

// StaleError reports a message whose expires_time has passed.
type StaleError struct{ MessageID string }

func (e *StaleError) Error() string {
	return fmt.Sprintf("crypto: message %s has expired", e.MessageID)
}

// UntrustedSignerError reports a sender DID that could not be resolved or is
// not trusted.
type UntrustedSignerError struct {
	DID   string
	Cause error
}

func (e *UntrustedSignerError) Error() string {
	return fmt.Sprintf("crypto: untrusted signer %s: %v", e.DID, e.Cause)
}
func (e *UntrustedSignerError) Unwrap() error { return e.Cause }

// MissingKeyError reports that no owned key matches an encrypted envelope's
// recipient key id.
type MissingKeyError struct{ KeyID string }

func (e *MissingKeyError) Error() string { return fmt.Sprintf("crypto: no key for kid %s", e.KeyID) }

// MismatchedKidError reports a verification method lookup failure for a
// declared kid.
type MismatchedKidError struct{ KeyID string }

func (e *MismatchedKidError) Error() string {
	return fmt.Sprintf("crypto: kid %s not found in resolved DID document", e.KeyID)
}

// MalformedError reports a structurally invalid JOSE construct.
type MalformedError struct {
	Reason string
	Cause  error
}

func (e *MalformedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("crypto: malformed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("crypto: malformed: %s", e.Reason)
}
func (e *MalformedError) Unwrap() error { return e.Cause }

// StubResolver is an in-memory DIDResolver for tests and no-network
// development, seeded explicitly rather than resolving over any network.
type StubResolver struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewStubResolver builds an empty StubResolver.
func NewStubResolver() *StubResolver {
	return &StubResolver{docs: make(map[string]*Document)}
}

// Put registers a DID document for later resolution.
func (r *StubResolver) Put(doc *Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.ID] = doc
}

// Resolve implements DIDResolver.
func (r *StubResolver) Resolve(did string) (*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[did]
	if !ok {
		return nil, fmt.Errorf("crypto: stub resolver has no document for %s", did)
	}
	return doc, nil
}
