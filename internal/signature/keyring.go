package signature

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/mattjoyce/webhook-runner/internal/config"
)

const armorBlockStart = "-----BEGIN PGP "

// Keyring is an immutable, ordered set of trusted public keys.
// It is safe for concurrent use.
type Keyring struct {
	// Path is the file the keyring was loaded from, empty for in-memory keyrings.
	Path string
	// Fingerprint is the BLAKE3 digest of the keyring file bytes.
	Fingerprint string

	entities openpgp.EntityList
}

// KeyInfo describes one trusted key for display.
type KeyInfo struct {
	KeyID       string    `json:"key_id"`
	Fingerprint string    `json:"fingerprint"`
	UserIDs     []string  `json:"user_ids"`
	Created     time.Time `json:"created"`
}

// LoadKeyring reads an armored or binary OpenPGP keyring from path.
// Armored files may hold several concatenated key blocks; a block that
// fails to parse is logged and skipped. A keyring with zero usable keys is
// returned without error so that verification fails closed.
func LoadKeyring(path string, logger *slog.Logger) (*Keyring, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}

	var entities openpgp.EntityList
	if bytes.Contains(data, []byte(armorBlockStart)) {
		entities = readArmoredBlocks(string(data), path, logger)
	} else {
		entities, err = openpgp.ReadKeyRing(bytes.NewReader(data))
		if err != nil {
			logger.Error("keyring could not be parsed", "path", path, "error", err)
			entities = nil
		}
	}

	kr := &Keyring{
		Path:        path,
		Fingerprint: config.HashBytes(data),
		entities:    entities,
	}
	if kr.Len() == 0 {
		logger.Error("keyring contains no usable keys; every verification in this domain will fail", "path", path)
	} else {
		logger.Info("keyring loaded", "path", path, "keys", kr.Len(), "fingerprint", kr.Fingerprint)
	}
	return kr, nil
}

func readArmoredBlocks(text, path string, logger *slog.Logger) openpgp.EntityList {
	var entities openpgp.EntityList
	parts := strings.Split(text, armorBlockStart)
	for i, part := range parts[1:] {
		block := armorBlockStart + part
		el, err := openpgp.ReadArmoredKeyRing(strings.NewReader(block))
		if err != nil {
			logger.Warn("skipping unreadable key block", "path", path, "block", i, "error", err)
			continue
		}
		entities = append(entities, el...)
	}
	return entities
}

// NewKeyring builds a keyring from already parsed entities.
func NewKeyring(entities openpgp.EntityList) *Keyring {
	var buf bytes.Buffer
	for _, e := range entities {
		buf.Write(e.PrimaryKey.Fingerprint)
	}
	return &Keyring{
		Fingerprint: config.HashBytes(buf.Bytes()),
		entities:    entities,
	}
}

// Len returns the number of keys.
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.entities)
}

// Keys lists the keys in keyring order.
func (k *Keyring) Keys() []KeyInfo {
	if k == nil {
		return nil
	}
	keys := make([]KeyInfo, 0, len(k.entities))
	for _, e := range k.entities {
		info := KeyInfo{
			KeyID:       e.PrimaryKey.KeyIdString(),
			Fingerprint: strings.ToUpper(hex.EncodeToString(e.PrimaryKey.Fingerprint)),
			Created:     e.PrimaryKey.CreationTime,
		}
		for name := range e.Identities {
			info.UserIDs = append(info.UserIDs, name)
		}
		sort.Strings(info.UserIDs)
		keys = append(keys, info)
	}
	return keys
}
