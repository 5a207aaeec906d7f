package privacylog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	redactedValue = "[REDACTED]"
	fingerprintFP = "_fp"
)

type keyClass int

const (
	keyPlain keyClass = iota
	keySecret
	keyIdentifier
)

var (
	// Identifiers that link log lines to a vault stay correlatable within
	// one process but are never written in the clear.
	identifierKeys = map[string]struct{}{
		"identity_id":      {},
		"authenticator_id": {},
		"address":          {},
		"controller":       {},
		"did":              {},
		"label":            {},
	}
	secretKeyParts = []string{"secret", "seed", "mnemonic", "passphrase", "password", "private", "dsn", "token", "blob", "ciphertext"}

	fingerprintSalt = newSalt()
)

// SanitizingHandler strips vault secrets from records before they reach
// the wrapped handler and replaces identifiers with salted fingerprints.
type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		clean[i] = SanitizeAttr(attr)
	}
	return &SanitizingHandler{next: h.next.WithAttrs(clean)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr applies the redaction rules to one attribute, descending
// into groups. Raw byte slices are never logged whatever their key.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	value := attr.Value.Resolve()

	switch classify(key) {
	case keySecret:
		return slog.String(key, redactedValue)
	case keyIdentifier:
		return slog.String(fingerprintKey(key), Fingerprint(value.String()))
	}

	switch value.Kind() {
	case slog.KindGroup:
		members := value.Group()
		clean := make([]slog.Attr, len(members))
		for i, member := range members {
			clean[i] = SanitizeAttr(member)
		}
		return slog.Attr{Key: key, Value: slog.GroupValue(clean...)}
	case slog.KindAny:
		if raw, ok := value.Any().([]byte); ok {
			return slog.String(key, fmt.Sprintf("[%d bytes]", len(raw)))
		}
	}
	return slog.Attr{Key: key, Value: value}
}

// Fingerprint returns a short keyed digest of value. The key is drawn per
// process so fingerprints cannot be joined across restarts.
func Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	h, err := blake2b.New(8, fingerprintSalt)
	if err != nil {
		return redactedValue
	}
	_, _ = h.Write([]byte(trimmed))
	return "fp_" + hex.EncodeToString(h.Sum(nil))
}

func classify(key string) keyClass {
	lower := strings.ToLower(key)
	if _, ok := identifierKeys[strings.TrimSuffix(lower, fingerprintFP)]; ok {
		return keyIdentifier
	}
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return keySecret
		}
	}
	return keyPlain
}

func fingerprintKey(key string) string {
	if strings.HasSuffix(strings.ToLower(key), fingerprintFP) {
		return key
	}
	return key + fingerprintFP
}

func newSalt() []byte {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		// blake2b accepts an empty key; fingerprints stay stable but unsalted.
		return nil
	}
	return salt
}
