// Package envelope implements the outer DIDComm-style message container used
// by every TAP wire message: the plain, signed, and encrypted envelope
// shapes, their attachments, and the parse/serialize/classify contract.
//
// Key Features:
// - Unique message identification and thread/parent-thread tracking
// - Plain, signed, and encrypted envelope shapes behind one Go type
// - Attachment support (base64, json, links variants) with optional detached signatures
// - Canonical member ordering for the bytes a signed envelope signs over
//
// Called by: the ingress pipeline (internal/pipeline), the router (internal/router)
// Calls: encoding/json, github.com/google/uuid
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Shape identifies which of the three DIDComm envelope forms a message uses.
type Shape string

const (
	ShapePlain     Shape = "plain"
	ShapeSigned    Shape = "signed"
	ShapeEncrypted Shape = "encrypted"
)

// Media-type tags recognized on the envelope's "typ" field.
const (
	MediaTypePlain     = "application/didcomm-plain+json"
	MediaTypeSigned    = "application/didcomm-signed+json"
	MediaTypeEncrypted = "application/didcomm-encrypted+json"
)

// DefaultMaxSize is the parse-time size ceiling applied when the caller does
// not configure one explicitly.
const DefaultMaxSize = 10 * 1024 * 1024

// Attachment models a DIDComm attachment: base64-encoded data, embedded JSON,
// or a set of remote links, optionally carrying a detached signature over
// its bytes.
type Attachment struct {
	ID          string          `json:"id,omitempty"`
	MediaType   string          `json:"media_type,omitempty"`
	Base64      string          `json:"base64,omitempty"`
	JSON        json.RawMessage `json:"json,omitempty"`
	Links       []string        `json:"links,omitempty"`
	Description string          `json:"description,omitempty"`
	Signature   *Signature      `json:"signature,omitempty"`
}

// Signature is a detached JWS-style signature, used both by signed envelopes
// and by attachments carrying their own signature.
type Signature struct {
	Protected string `json:"protected"`
	Signature string `json:"signature"`
	KeyID     string `json:"kid,omitempty"`
}

// RecipientKey is one per-recipient encrypted content key in an encrypted
// envelope.
type RecipientKey struct {
	KeyID        string          `json:"kid"`
	EncryptedKey string          `json:"encrypted_key"`
	Header       json.RawMessage `json:"header,omitempty"`
}

// Envelope is the outer container for every TAP wire message. Exactly one of
// three shapes applies at a time: Plain (Body holds the visible typed body),
// Signed (Body plus Signatures over the canonical payload), or Encrypted
// (CipherText holds a JOSE JWE and Body is empty until decrypted).
type Envelope struct {
	ID   string `json:"id"`
	Typ  string `json:"typ"`
	Type string `json:"type"`

	From string   `json:"from"`
	To   []string `json:"to"`

	ThID  string `json:"thid,omitempty"`
	PThID string `json:"pthid,omitempty"`

	CreatedTime int64 `json:"created_time,omitempty"`
	ExpiresTime int64 `json:"expires_time,omitempty"`

	Body json.RawMessage `json:"body"`

	Attachments []Attachment `json:"attachments,omitempty"`
	FromPrior   string       `json:"from_prior,omitempty"`

	// Signed-shape fields. Populated only when Typ == MediaTypeSigned.
	Signatures []Signature `json:"signatures,omitempty"`

	// Encrypted-shape fields. Populated only when Typ == MediaTypeEncrypted.
	CipherText    string         `json:"ciphertext,omitempty"`
	Protected     string         `json:"protected,omitempty"`
	IV            string         `json:"iv,omitempty"`
	Tag           string         `json:"tag,omitempty"`
	RecipientKeys []RecipientKey `json:"recipients,omitempty"`
}

// New builds a new plain envelope with required fields populated. The
// envelope starts its own thread (thid := id).
func New(from string, to []string, typeURI string, body interface{}) (*Envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal body: %w", err)
	}

	id := uuid.New().String()
	return &Envelope{
		ID:          id,
		Typ:         MediaTypePlain,
		Type:        typeURI,
		From:        from,
		To:          append([]string(nil), to...),
		ThID:        id,
		CreatedTime: time.Now().Unix(),
		Body:        payload,
	}, nil
}

// AdoptThread sets ThID to thid when the envelope does not already carry one;
// returns a ThreadError if it carries a different, conflicting thid.
func (e *Envelope) AdoptThread(thid string) error {
	if e.ThID == "" {
		e.ThID = thid
		return nil
	}
	if e.ThID != thid {
		return &ThreadError{Envelope: e.ThID, Body: thid}
	}
	return nil
}

// Classify reports which of the three envelope shapes this envelope uses,
// based on the declared media-type tag.
func (e *Envelope) Classify() (Shape, error) {
	switch e.Typ {
	case MediaTypePlain:
		return ShapePlain, nil
	case MediaTypeSigned:
		return ShapeSigned, nil
	case MediaTypeEncrypted:
		return ShapeEncrypted, nil
	default:
		return "", &ParseError{Reason: fmt.Sprintf("unknown media type tag %q", e.Typ)}
	}
}

// Recipients returns the deduplicated, order-preserved list of recipient
// DIDs (envelope.to, order preserved, first occurrence wins).
func (e *Envelope) Recipients() []string {
	seen := make(map[string]bool, len(e.To))
	out := make([]string, 0, len(e.To))
	for _, r := range e.To {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// IsExpired reports whether the envelope's expires_time has passed. An
// ExpiresTime of zero means the envelope never expires.
func (e *Envelope) IsExpired() bool {
	if e.ExpiresTime == 0 {
		return false
	}
	return time.Now().Unix() > e.ExpiresTime
}

// UnmarshalBody unmarshals the envelope's raw JSON body into v.
func (e *Envelope) UnmarshalBody(v interface{}) error {
	return json.Unmarshal(e.Body, v)
}

// ToJSON serializes the envelope using standard (non-canonical) field order.
// This is what parse/serialize use for plain and encrypted envelopes.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes raw bytes into an Envelope, rejecting payloads over maxSize
// (DefaultMaxSize when maxSize <= 0) and unknown media-type tags.
func Parse(data []byte, maxSize int) (*Envelope, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if len(data) > maxSize {
		return nil, &ParseError{Reason: fmt.Sprintf("envelope exceeds max size %d bytes", maxSize)}
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &ParseError{Reason: "malformed JSON", Cause: err}
	}
	if _, err := e.Classify(); err != nil {
		return nil, err
	}
	return &e, nil
}

// CanonicalPayload produces the byte sequence that signed envelopes sign
// over: a JSON object containing only the fields visible at signing time
// (id, typ, type, from, to, thid, pthid, created_time, expires_time, body,
// attachments, from_prior), with object keys sorted, so two implementations
// that agree on field values always agree on the bytes signed.
func (e *Envelope) CanonicalPayload() ([]byte, error) {
	fields := map[string]interface{}{
		"id":   e.ID,
		"typ":  e.Typ,
		"type": e.Type,
		"from": e.From,
		"to":   e.To,
		"body": json.RawMessage(e.Body),
	}
	if e.ThID != "" {
		fields["thid"] = e.ThID
	}
	if e.PThID != "" {
		fields["pthid"] = e.PThID
	}
	if e.CreatedTime != 0 {
		fields["created_time"] = e.CreatedTime
	}
	if e.ExpiresTime != 0 {
		fields["expires_time"] = e.ExpiresTime
	}
	if len(e.Attachments) > 0 {
		fields["attachments"] = e.Attachments
	}
	if e.FromPrior != "" {
		fields["from_prior"] = e.FromPrior
	}
	return marshalSorted(fields)
}

// marshalSorted marshals a map with keys emitted in lexicographic order,
// since encoding/json does not guarantee map key order on its own.
func marshalSorted(fields map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(fields[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Validate checks structural invariants that must hold regardless of shape:
// a non-empty id, a "from", a non-empty "to", and (for plain/signed
// shapes) a body. Duplicate DIDs in "to" are not rejected; Recipients
// dedups them.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope id is required"}
	}
	if e.From == "" {
		return &ValidationError{Field: "from", Message: "sender DID is required"}
	}
	if len(e.To) == 0 {
		return &ValidationError{Field: "to", Message: "at least one recipient DID is required"}
	}
	shape, err := e.Classify()
	if err != nil {
		return err
	}
	if shape != ShapeEncrypted && len(e.Body) == 0 {
		return &ValidationError{Field: "body", Message: "body is required for plain/signed envelopes"}
	}
	if shape == ShapeSigned && len(e.Signatures) == 0 {
		return &ValidationError{Field: "signatures", Message: "signed envelope requires at least one signature"}
	}
	if shape == ShapeEncrypted && e.CipherText == "" {
		return &ValidationError{Field: "ciphertext", Message: "encrypted envelope requires ciphertext"}
	}
	return nil
}

// ValidationError reports a structural envelope defect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope: %s: %s", e.Field, e.Message)
}

// ParseError reports a decode-time failure: malformed JSON, an oversized
// payload, or an envelope shape the codec does not recognize.
type ParseError struct {
	Reason string
	Cause  error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("envelope: parse: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("envelope: parse: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// ThreadError reports a conflict between an envelope's own thid and a thread
// id derived from its body.
type ThreadError struct {
	Envelope string
	Body     string
}

func (e *ThreadError) Error() string {
	return fmt.Sprintf("envelope: thid %q conflicts with body thread id %q", e.Envelope, e.Body)
}
