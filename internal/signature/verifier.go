// Package signature verifies OpenPGP signatures on Git commits and tags
// against a trusted keyring.
package signature

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrUntrustedSigner means no key in the keyring validates the signature.
	ErrUntrustedSigner = errors.New("untrusted signer")
	// ErrUnsigned means the object carries no signature.
	ErrUnsigned = errors.New("object is not signed")
	// ErrMalformedSignature means the signature data could not be parsed.
	ErrMalformedSignature = errors.New("malformed signature")
)

// DefaultCacheSize bounds the verification cache.
const DefaultCacheSize = 1024

// Identity is the key that validated a signature.
type Identity struct {
	KeyID       string `json:"key_id,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	// Skipped is true when no keyring was configured for the domain.
	Skipped bool `json:"skipped"`
}

// Verifier checks signed objects and caches successful results.
type Verifier struct {
	cache  *lru.Cache[string, Identity]
	logger *slog.Logger
}

// NewVerifier creates a verifier with an LRU cache of cacheSize entries.
// A cacheSize of zero or less uses DefaultCacheSize.
func NewVerifier(cacheSize int, logger *slog.Logger) (*Verifier, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, Identity](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create verification cache: %w", err)
	}
	return &Verifier{cache: cache, logger: logger}, nil
}

// Verify checks obj against kr. A nil keyring means the domain is not
// configured and verification succeeds with Identity.Skipped set.
//
// Git object ids cover the signature and the signed bytes, so a success
// for (keyring, object id) can be reused. Failures are never cached.
func (v *Verifier) Verify(obj SignedObject, kr *Keyring) (Identity, error) {
	if kr == nil {
		return Identity{Skipped: true}, nil
	}

	key := ""
	if obj.ID != "" {
		key = kr.Fingerprint + ":" + obj.Type + ":" + obj.ID
		if id, ok := v.cache.Get(key); ok {
			v.logger.Debug("verification cache hit", "object_id", obj.ID)
			return id, nil
		}
	}

	id, err := Verify(obj, kr)
	if err != nil {
		return Identity{}, err
	}
	if key != "" {
		v.cache.Add(key, id)
	}
	return id, nil
}

// Verify checks the detached signature of obj against every key in kr and
// succeeds on the first key that validates it. It has no side effects.
func Verify(obj SignedObject, kr *Keyring) (Identity, error) {
	if kr == nil {
		return Identity{Skipped: true}, nil
	}

	sig := strings.TrimSpace(obj.Signature)
	if sig == "" {
		return Identity{}, ErrUnsigned
	}
	if !strings.HasPrefix(sig, "-----BEGIN PGP SIGNATURE-----") {
		return Identity{}, fmt.Errorf("%w: unsupported signature format", ErrMalformedSignature)
	}
	if kr.Len() == 0 {
		return Identity{}, fmt.Errorf("%w: keyring has no usable keys", ErrUntrustedSigner)
	}

	signer, err := openpgp.CheckArmoredDetachedSignature(kr.entities, bytes.NewReader(obj.Payload), strings.NewReader(obj.Signature), nil)
	if err != nil {
		return Identity{}, classifyError(err)
	}

	return identityOf(signer), nil
}

// classifyError maps openpgp errors onto the verification taxonomy.
func classifyError(err error) error {
	var structural pgperrors.StructuralError
	var unsupported pgperrors.UnsupportedError
	var invalidArg pgperrors.InvalidArgumentError
	var corrupt base64.CorruptInputError

	switch {
	case errors.Is(err, pgperrors.ErrUnknownIssuer):
		return fmt.Errorf("%w: signing key not in keyring", ErrUntrustedSigner)
	case errors.As(err, &structural), errors.As(err, &unsupported), errors.As(err, &invalidArg),
		errors.As(err, &corrupt), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	default:
		// Bad signature, expired or revoked key.
		return fmt.Errorf("%w: %v", ErrUntrustedSigner, err)
	}
}

func identityOf(e *openpgp.Entity) Identity {
	if e == nil || e.PrimaryKey == nil {
		return Identity{}
	}
	id := Identity{
		KeyID:       e.PrimaryKey.KeyIdString(),
		Fingerprint: strings.ToUpper(hex.EncodeToString(e.PrimaryKey.Fingerprint)),
	}
	if ident := e.PrimaryIdentity(); ident != nil {
		id.UserID = ident.Name
	}
	return id
}

// Reason returns the short reason tag for a verification error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnsigned):
		return "unsigned"
	case errors.Is(err, ErrMalformedSignature):
		return "malformed_signature"
	case errors.Is(err, ErrUntrustedSigner):
		return "untrusted_signer"
	default:
		return "verification_error"
	}
}
