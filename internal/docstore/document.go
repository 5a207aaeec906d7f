package docstore

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"seedvault/go-backend/internal/identity"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	addressPrefix = "doc1"
	signingDomain = "seedvault/document/v1"
)

var (
	ErrNotFound           = errors.New("document not found")
	ErrInvalidDocument    = errors.New("invalid document")
	ErrInvalidSignature   = errors.New("invalid document signature")
	ErrAddressMismatch    = errors.New("document address does not match its fields")
	ErrControllerMismatch = errors.New("document controller key changed")
)

// Document is one signed revision of a deterministic document.
type Document struct {
	Address       string          `json:"address"`
	Family        string          `json:"family"`
	Tag           string          `json:"tag"`
	Controllers   []string        `json:"controllers"`
	ControllerKey []byte          `json:"controller_key"`
	Revision      uint64          `json:"revision"`
	Content       json.RawMessage `json:"content"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Signature     []byte          `json:"signature"`
}

// Address derives the stable location of (family, tag, controller).
func Address(family, tag, controller string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(family))
	h.Write([]byte{0})
	h.Write([]byte(tag))
	h.Write([]byte{0})
	h.Write([]byte(controller))
	return addressPrefix + base58.Encode(h.Sum(nil))
}

func (d Document) Controller() string {
	if len(d.Controllers) == 0 {
		return ""
	}
	return d.Controllers[0]
}

func (d Document) Clone() Document {
	out := d
	out.Controllers = append([]string(nil), d.Controllers...)
	out.ControllerKey = append([]byte(nil), d.ControllerKey...)
	out.Content = append(json.RawMessage(nil), d.Content...)
	out.Signature = append([]byte(nil), d.Signature...)
	return out
}

// Sign compacts the content and signs the revision with signer.
func (d *Document) Sign(signer Signer) error {
	if signer == nil {
		return fmt.Errorf("%w: missing signer", ErrInvalidDocument)
	}
	content, err := canonicalContent(d.Content)
	if err != nil {
		return err
	}
	d.Content = content
	d.ControllerKey = append([]byte(nil), signer.PublicKey()...)
	sig, err := signer.Sign(signingBytes(*d))
	if err != nil {
		return err
	}
	d.Signature = sig
	return nil
}

// Verify checks that the document is self-consistent and signed by its controller.
func (d Document) Verify() error {
	if d.Family == "" || d.Tag == "" || len(d.Controllers) == 0 || d.Controllers[0] == "" {
		return fmt.Errorf("%w: missing family, tag or controller", ErrInvalidDocument)
	}
	if d.Address != Address(d.Family, d.Tag, d.Controllers[0]) {
		return ErrAddressMismatch
	}
	if len(d.ControllerKey) != ed25519.PublicKeySize || len(d.Signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !identity.ControllerMatchesKey(d.Controllers[0], d.ControllerKey) {
		return ErrControllerMismatch
	}
	content, err := canonicalContent(d.Content)
	if err != nil {
		return err
	}
	check := d
	check.Content = content
	if !ed25519.Verify(ed25519.PublicKey(d.ControllerKey), signingBytes(check), d.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// CheckWrite validates next against the currently stored revision, if any.
// It does not compare revisions: the last accepted write wins.
func CheckWrite(existing *Document, next Document) error {
	if err := next.Verify(); err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if existing.Address != next.Address {
		return ErrAddressMismatch
	}
	if !bytes.Equal(existing.ControllerKey, next.ControllerKey) {
		return ErrControllerMismatch
	}
	return nil
}

// canonicalContent returns the compact, HTML-escaped form encoding/json
// produces on marshal, so signatures survive a JSON round trip.
func canonicalContent(content json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(content, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: content must be a json object", ErrInvalidDocument)
	}
	out, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return out, nil
}

func signingBytes(d Document) []byte {
	var buf bytes.Buffer
	writeField := func(b []byte) {
		buf.Write(binary.AppendUvarint(nil, uint64(len(b))))
		buf.Write(b)
	}
	writeField([]byte(signingDomain))
	writeField([]byte(d.Address))
	writeField([]byte(d.Family))
	writeField([]byte(d.Tag))
	buf.Write(binary.AppendUvarint(nil, uint64(len(d.Controllers))))
	for _, c := range d.Controllers {
		writeField([]byte(c))
	}
	writeField(d.ControllerKey)
	buf.Write(binary.AppendUvarint(nil, d.Revision))
	buf.Write(binary.AppendVarint(nil, d.UpdatedAt.UnixNano()))
	writeField(d.Content)
	return buf.Bytes()
}
