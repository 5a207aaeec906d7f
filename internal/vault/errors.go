package vault

import (
	"errors"

	"seedvault/go-backend/internal/identity"
	"seedvault/go-backend/internal/keychain"
	"seedvault/go-backend/internal/secretcodec"
)

var (
	ErrAuthentication         = errors.New("authentication failed")
	ErrDuplicateAuthenticator = errors.New("duplicate authenticator")
	ErrUnknownAuthenticator   = errors.New("unknown authenticator")
	ErrStorage                = errors.New("document storage failed")
	ErrDecryption             = errors.New("decryption failed")
	ErrSeedNotFound           = errors.New("master seed not found")
	ErrNotFound               = errors.New("not found")
	ErrNotInitialized         = errors.New("vault is not initialized")
	ErrRateLimited            = errors.New("too many authentication attempts")
)

const (
	CategoryAuth    = "auth"
	CategoryStorage = "storage"
	CategoryCrypto  = "crypto"
	CategoryAPI     = "api"
)

// CategorizedError ties a vault sentinel to the lower-level cause. errors.Is
// matches either of them.
type CategorizedError struct {
	Category string
	Kind     error
	Err      error
}

func (e *CategorizedError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *CategorizedError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return classified.Category
	}
	return CategoryAPI
}

func newError(category string, kind, cause error) error {
	return &CategorizedError{Category: category, Kind: kind, Err: cause}
}

// classify maps errors from the keychain, codec and stores onto the vault
// taxonomy. Anything unrecognised, context cancellation included, is a
// storage failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return err
	}
	switch {
	case errors.Is(err, keychain.ErrDuplicate):
		return newError(CategoryAPI, ErrDuplicateAuthenticator, err)
	case errors.Is(err, keychain.ErrUnknown):
		return newError(CategoryAPI, ErrUnknownAuthenticator, err)
	case errors.Is(err, keychain.ErrNotAuthenticated):
		return newError(CategoryAPI, ErrNotInitialized, err)
	case errors.Is(err, keychain.ErrAuthentication),
		errors.Is(err, identity.ErrSecretRequired),
		errors.Is(err, identity.ErrAuthenticatorID):
		return newError(CategoryAuth, ErrAuthentication, err)
	case errors.Is(err, secretcodec.ErrDecryption),
		errors.Is(err, secretcodec.ErrMalformedBlob),
		errors.Is(err, secretcodec.ErrInvalidKey):
		return newError(CategoryCrypto, ErrDecryption, err)
	default:
		return newError(CategoryStorage, ErrStorage, err)
	}
}
