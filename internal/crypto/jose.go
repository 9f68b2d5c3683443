package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"

	josepkg "github.com/go-jose/go-jose/v4"

	"github.com/tap-rsvp/tap-node/internal/envelope"
)

// JoseKeyOps is the default, swappable KeyOps implementation backed by
// go-jose. Key material is generated and held entirely in-process; it is
// intended for development and test use until a production key-management
// collaborator is wired in.
type JoseKeyOps struct {
	mu     sync.RWMutex
	keys   map[KeyRef]josepkg.JSONWebKey
	public map[KeyRef]josepkg.JSONWebKey
}

// NewJoseKeyOps constructs an empty JoseKeyOps store.
func NewJoseKeyOps() *JoseKeyOps {
	return &JoseKeyOps{
		keys:   make(map[KeyRef]josepkg.JSONWebKey),
		public: make(map[KeyRef]josepkg.JSONWebKey),
	}
}

// GenerateKey creates an Ed25519 signing key or a P-256 ECDH-ES encryption
// key, depending on kind ("sign" or "encrypt"), and returns an opaque
// reference. The public half is retrievable through PublicJWK for embedding
// in a DID document's verification method list.
func (j *JoseKeyOps) GenerateKey(kind string) (KeyRef, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ref := KeyRef(fmt.Sprintf("%s-%d", kind, len(j.keys)+1))

	switch kind {
	case "sign":
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return "", fmt.Errorf("crypto: generating signing key: %w", err)
		}
		j.keys[ref] = josepkg.JSONWebKey{Key: priv, KeyID: string(ref), Algorithm: string(josepkg.EdDSA), Use: "sig"}
		j.public[ref] = josepkg.JSONWebKey{Key: pub, KeyID: string(ref), Algorithm: string(josepkg.EdDSA), Use: "sig"}
	case "encrypt":
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return "", fmt.Errorf("crypto: generating encryption key: %w", err)
		}
		j.keys[ref] = josepkg.JSONWebKey{Key: priv, KeyID: string(ref), Algorithm: string(josepkg.ECDH_ES_A256KW), Use: "enc"}
		j.public[ref] = josepkg.JSONWebKey{Key: &priv.PublicKey, KeyID: string(ref), Algorithm: string(josepkg.ECDH_ES_A256KW), Use: "enc"}
	default:
		return "", fmt.Errorf("crypto: unknown key kind %q", kind)
	}
	return ref, nil
}

// PublicJWK returns the public JSON Web Key for a generated key reference,
// for embedding in a DID document's verification method list. The second
// return value is false if ref was never generated by this JoseKeyOps.
func (j *JoseKeyOps) PublicJWK(ref KeyRef) (josepkg.JSONWebKey, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	jwk, ok := j.public[ref]
	return jwk, ok
}

// Sign produces a compact JWS over payload using the referenced key; the
// serialization embeds the payload and is stored in both Protected and
// Signature.
func (j *JoseKeyOps) Sign(payload []byte, key KeyRef) (envelope.Signature, error) {
	j.mu.RLock()
	jwk, ok := j.keys[key]
	j.mu.RUnlock()
	if !ok {
		return envelope.Signature{}, &MissingKeyError{KeyID: string(key)}
	}

	signer, err := josepkg.NewSigner(josepkg.SigningKey{Algorithm: josepkg.EdDSA, Key: jwk.Key}, nil)
	if err != nil {
		return envelope.Signature{}, &MalformedError{Reason: "building signer", Cause: err}
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return envelope.Signature{}, &MalformedError{Reason: "signing payload", Cause: err}
	}
	full, err := obj.CompactSerialize()
	if err != nil {
		return envelope.Signature{}, &MalformedError{Reason: "serializing signature", Cause: err}
	}
	return envelope.Signature{Protected: full, Signature: full, KeyID: string(key)}, nil
}

// Verify checks a detached signature against payload using a verification
// method found in doc.
func (j *JoseKeyOps) Verify(payload []byte, sig envelope.Signature, doc *Document) error {
	vm, ok := doc.VerificationMethodByID(sig.KeyID)
	if !ok && len(doc.VerificationMethod) > 0 {
		vm = doc.VerificationMethod[0]
	} else if !ok {
		return &MismatchedKidError{KeyID: sig.KeyID}
	}

	jws, err := josepkg.ParseSigned(sig.Signature, []josepkg.SignatureAlgorithm{josepkg.EdDSA})
	if err != nil {
		return &MalformedError{Reason: "parsing signature", Cause: err}
	}
	verified, err := jws.Verify(vm.PublicKeyJWK.Key)
	if err != nil {
		return &MalformedError{Reason: "verifying signature", Cause: err}
	}
	if string(verified) != string(payload) && len(payload) > 0 {
		// go-jose's compact signature carries its own payload; a mismatch
		// against the caller's recomputed canonical payload means the
		// signed bytes diverged from what we expect to verify.
		return &MalformedError{Reason: "signed payload does not match canonical payload"}
	}
	return nil
}

// jweRecipient mirrors one entry of the JWE JSON general serialization's
// "recipients" array: the per-recipient header and wrapped content
// encryption key, keyed by encrypted_key per RFC 7516 §7.2.
type jweRecipient struct {
	Header       json.RawMessage `json:"header,omitempty"`
	EncryptedKey string          `json:"encrypted_key"`
}

// jweJSON is the subset of the JWE JSON serialization this node round-trips
// through an envelope's discrete ciphertext/protected/iv/tag fields plus its
// per-recipient RecipientKey list. go-jose's FullSerialize emits the
// flattened form (top-level header/encrypted_key) for a single recipient
// and the general form ("recipients" array) for more than one.
type jweJSON struct {
	Protected    string          `json:"protected,omitempty"`
	IV           string          `json:"iv,omitempty"`
	Ciphertext   string          `json:"ciphertext,omitempty"`
	Tag          string          `json:"tag,omitempty"`
	Header       json.RawMessage `json:"header,omitempty"`
	EncryptedKey string          `json:"encrypted_key,omitempty"`
	Recipients   []jweRecipient  `json:"recipients,omitempty"`
}

// Encrypt produces a JWE for the given recipient documents. The full JWE
// JSON serialization is parsed into its discrete envelope fields, and each
// recipient's header and encrypted_key are preserved in RecipientKey so
// Decrypt can reconstruct a JWE go-jose will parse.
func (j *JoseKeyOps) Encrypt(payload []byte, recipients []*Document) (ciphertext, protected, iv, tag string, recipientKeys []envelope.RecipientKey, err error) {
	if len(recipients) == 0 {
		return "", "", "", "", nil, fmt.Errorf("crypto: encrypt requires at least one recipient")
	}

	var joseRecipients []josepkg.Recipient
	for _, doc := range recipients {
		if len(doc.VerificationMethod) == 0 {
			continue
		}
		joseRecipients = append(joseRecipients, josepkg.Recipient{
			Algorithm: josepkg.ECDH_ES_A256KW,
			Key:       doc.VerificationMethod[0].PublicKeyJWK.Key,
			KeyID:     doc.VerificationMethod[0].ID,
		})
	}
	if len(joseRecipients) == 0 {
		return "", "", "", "", nil, fmt.Errorf("crypto: no recipient has a usable verification method")
	}

	encrypter, err := josepkg.NewMultiEncrypter(josepkg.A256GCM, joseRecipients, nil)
	if err != nil {
		return "", "", "", "", nil, &MalformedError{Reason: "building encrypter", Cause: err}
	}
	obj, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", "", "", "", nil, &MalformedError{Reason: "encrypting payload", Cause: err}
	}
	full := obj.FullSerialize()

	var parsed jweJSON
	if err := json.Unmarshal([]byte(full), &parsed); err != nil {
		return "", "", "", "", nil, &MalformedError{Reason: "parsing JWE serialization", Cause: err}
	}

	switch {
	case len(parsed.Recipients) > 0:
		if len(parsed.Recipients) != len(joseRecipients) {
			return "", "", "", "", nil, &MalformedError{Reason: "JWE serialization recipient count mismatch"}
		}
		for i, r := range parsed.Recipients {
			recipientKeys = append(recipientKeys, envelope.RecipientKey{
				KeyID:        joseRecipients[i].KeyID,
				EncryptedKey: r.EncryptedKey,
				Header:       r.Header,
			})
		}
	case len(joseRecipients) == 1:
		// go-jose flattens a single-recipient JWE: header/encrypted_key sit
		// at the top level instead of inside a recipients array.
		recipientKeys = append(recipientKeys, envelope.RecipientKey{
			KeyID:        joseRecipients[0].KeyID,
			EncryptedKey: parsed.EncryptedKey,
			Header:       parsed.Header,
		})
	default:
		return "", "", "", "", nil, &MalformedError{Reason: "JWE serialization has no recipients"}
	}
	return parsed.Ciphertext, parsed.Protected, parsed.IV, parsed.Tag, recipientKeys, nil
}

// Decrypt decrypts an encrypted envelope using the referenced key if myKid
// matches one of the envelope's recipient entries.
func (j *JoseKeyOps) Decrypt(env *envelope.Envelope, key KeyRef, myKid string) ([]byte, error) {
	found := false
	for _, rk := range env.RecipientKeys {
		if rk.KeyID == myKid {
			found = true
			break
		}
	}
	if !found {
		return nil, &MismatchedKidError{KeyID: myKid}
	}

	j.mu.RLock()
	jwk, ok := j.keys[key]
	j.mu.RUnlock()
	if !ok {
		return nil, &MissingKeyError{KeyID: string(key)}
	}

	raw := jweJSON{
		Protected:  env.Protected,
		IV:         env.IV,
		Ciphertext: env.CipherText,
		Tag:        env.Tag,
	}
	for _, rk := range env.RecipientKeys {
		raw.Recipients = append(raw.Recipients, jweRecipient{
			Header:       rk.Header,
			EncryptedKey: rk.EncryptedKey,
		})
	}
	serialized, err := json.Marshal(raw)
	if err != nil {
		return nil, &MalformedError{Reason: "rebuilding JWE serialization", Cause: err}
	}

	obj, err := josepkg.ParseEncrypted(string(serialized), []josepkg.KeyAlgorithm{josepkg.ECDH_ES_A256KW}, []josepkg.ContentEncryption{josepkg.A256GCM})
	if err != nil {
		return nil, &MalformedError{Reason: "parsing ciphertext", Cause: err}
	}
	plain, err := obj.Decrypt(jwk.Key)
	if err != nil {
		return nil, &MalformedError{Reason: "decrypting payload", Cause: err}
	}
	return plain, nil
}
