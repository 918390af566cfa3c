package signature

import (
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Object types.
const (
	TypeCommit = "commit"
	TypeTag    = "tag"
)

// SignedObject is a Git object's signature plus the exact bytes it covers.
type SignedObject struct {
	ID        string
	Type      string
	Payload   []byte
	Signature string
}

// FromCommit extracts the signed payload of a commit. The payload is the
// commit encoded without its gpgsig header, which is what git signs.
func FromCommit(c *object.Commit) (SignedObject, error) {
	encoded := &plumbing.MemoryObject{}
	if err := c.EncodeWithoutSignature(encoded); err != nil {
		return SignedObject{}, fmt.Errorf("encode commit %s: %w", c.Hash, err)
	}
	payload, err := readObject(encoded)
	if err != nil {
		return SignedObject{}, fmt.Errorf("read commit %s: %w", c.Hash, err)
	}
	return SignedObject{
		ID:        c.Hash.String(),
		Type:      TypeCommit,
		Payload:   payload,
		Signature: c.PGPSignature,
	}, nil
}

// FromTag extracts the signed payload of an annotated tag.
func FromTag(t *object.Tag) (SignedObject, error) {
	encoded := &plumbing.MemoryObject{}
	if err := t.EncodeWithoutSignature(encoded); err != nil {
		return SignedObject{}, fmt.Errorf("encode tag %s: %w", t.Hash, err)
	}
	payload, err := readObject(encoded)
	if err != nil {
		return SignedObject{}, fmt.Errorf("read tag %s: %w", t.Hash, err)
	}
	return SignedObject{
		ID:        t.Hash.String(),
		Type:      TypeTag,
		Payload:   payload,
		Signature: t.PGPSignature,
	}, nil
}

func readObject(o *plumbing.MemoryObject) ([]byte, error) {
	r, err := o.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
