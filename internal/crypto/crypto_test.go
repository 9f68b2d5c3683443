package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tap-rsvp/tap-node/internal/envelope"
)

type fakeKeyOps struct {
	verifyErr error
}

func (f *fakeKeyOps) Sign(payload []byte, key KeyRef) (envelope.Signature, error) {
	return envelope.Signature{Protected: "p", Signature: string(payload), KeyID: string(key)}, nil
}

func (f *fakeKeyOps) Verify(payload []byte, sig envelope.Signature, doc *Document) error {
	return f.verifyErr
}

func (f *fakeKeyOps) Encrypt(payload []byte, recipients []*Document) (string, string, string, string, []envelope.RecipientKey, error) {
	return "cipher", "prot", "iv", "tag", []envelope.RecipientKey{{KeyID: "k1"}}, nil
}

func (f *fakeKeyOps) Decrypt(env *envelope.Envelope, key KeyRef, myKid string) ([]byte, error) {
	return []byte(`{"ok":true}`), nil
}

func (f *fakeKeyOps) GenerateKey(kind string) (KeyRef, error) {
	return KeyRef("k-" + kind), nil
}

func TestVerifySuccess(t *testing.T) {
	resolver := NewStubResolver()
	resolver.Put(&Document{ID: "did:key:A"})
	b := New(&fakeKeyOps{}, resolver)

	env, err := envelope.New("did:key:A", []string{"did:key:B"}, "x", map[string]string{})
	require.NoError(t, err)
	env.Typ = envelope.MediaTypeSigned
	env.Signatures = []envelope.Signature{{Protected: "p", Signature: "s", KeyID: "k1"}}

	assert.NoError(t, b.Verify(env))
}

func TestVerifyUntrustedSigner(t *testing.T) {
	resolver := NewStubResolver()
	b := New(&fakeKeyOps{}, resolver)

	env, _ := envelope.New("did:key:unknown", []string{"did:key:B"}, "x", map[string]string{})
	env.Typ = envelope.MediaTypeSigned
	env.Signatures = []envelope.Signature{{Protected: "p", Signature: "s"}}

	err := b.Verify(env)
	var untrusted *UntrustedSignerError
	assert.ErrorAs(t, err, &untrusted)
}

func TestVerifyRejectsExpired(t *testing.T) {
	resolver := NewStubResolver()
	resolver.Put(&Document{ID: "did:key:A"})
	b := New(&fakeKeyOps{}, resolver)

	env, _ := envelope.New("did:key:A", []string{"did:key:B"}, "x", map[string]string{})
	env.Typ = envelope.MediaTypeSigned
	env.ExpiresTime = 1
	env.Signatures = []envelope.Signature{{Protected: "p", Signature: "s"}}

	err := b.Verify(env)
	var stale *StaleError
	assert.ErrorAs(t, err, &stale)
}

func TestDecryptNoOwnedKeyReturnsMissingKeyError(t *testing.T) {
	b := New(&fakeKeyOps{}, NewStubResolver())
	env, _ := envelope.New("did:key:A", []string{"did:key:B"}, "x", map[string]string{})
	env.Typ = envelope.MediaTypeEncrypted
	env.RecipientKeys = []envelope.RecipientKey{{KeyID: "k1"}}

	_, err := b.Decrypt(env, map[string]KeyRef{})
	var missing *MissingKeyError
	assert.ErrorAs(t, err, &missing)
}

func TestDecryptSuccess(t *testing.T) {
	b := New(&fakeKeyOps{}, NewStubResolver())
	env, _ := envelope.New("did:key:A", []string{"did:key:B"}, "x", map[string]string{})
	env.Typ = envelope.MediaTypeEncrypted
	env.RecipientKeys = []envelope.RecipientKey{{KeyID: "k1"}}

	out, err := b.Decrypt(env, map[string]KeyRef{"did:key:B": "key-ref"})
	require.NoError(t, err)
	assert.Equal(t, envelope.MediaTypePlain, out.Typ)
}

func TestStubResolverMissingDID(t *testing.T) {
	_, err := NewStubResolver().Resolve("did:key:nope")
	assert.Error(t, err)
}
