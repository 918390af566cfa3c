package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/webhook-runner/internal/dispatch"
)

// ErrInvalidPayload is returned when a body is not a usable push payload.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Kind is the event kind derived from the pushed ref.
type Kind string

const (
	KindPush  Kind = "push"
	KindTag   Kind = "tag"
	KindOther Kind = "other"
)

const zeroObjectID = "0000000000000000000000000000000000000000"

// Event is a parsed push notification. It is not modified after ParseEvent.
type Event struct {
	Kind     Kind
	Name     string
	Ref      string
	ObjectID string
	// CloneURL is the remote named by the payload.
	CloneURL string
	// Repository is the "owner/name" of the pushed repository.
	Repository string
	// Deleted is set when the push removed the ref.
	Deleted bool
	Payload  []byte
}

// DispatchKind returns the command domain for the event.
func (e Event) DispatchKind() (dispatch.Kind, bool) {
	switch e.Kind {
	case KindPush:
		return dispatch.KindCommit, true
	case KindTag:
		return dispatch.KindTag, true
	default:
		return "", false
	}
}

type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	HeadCommit *struct {
		ID string `json:"id"`
	} `json:"head_commit"`
	Commits []struct {
		ID string `json:"id"`
	} `json:"commits"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

// ParseEvent decodes a push payload. name is the X-GitHub-Event header
// value, empty when the sender does not set one.
func ParseEvent(name string, body []byte) (Event, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Ref == "" {
		return Event{}, fmt.Errorf("%w: missing ref", ErrInvalidPayload)
	}

	ev := Event{
		Name:       name,
		Ref:        p.Ref,
		CloneURL:   p.Repository.CloneURL,
		Repository: p.Repository.FullName,
		Payload:    body,
	}
	switch {
	case strings.HasPrefix(p.Ref, "refs/heads/"):
		ev.Kind = KindPush
	case strings.HasPrefix(p.Ref, "refs/tags/"):
		ev.Kind = KindTag
	default:
		ev.Kind = KindOther
	}

	if p.Deleted || p.After == zeroObjectID {
		ev.Deleted = true
		return ev, nil
	}

	// after is the new ref value; older senders only list commits.
	id := p.After
	if id == "" && p.HeadCommit != nil {
		id = p.HeadCommit.ID
	}
	if id == "" && len(p.Commits) > 0 {
		id = p.Commits[len(p.Commits)-1].ID
	}
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return Event{}, fmt.Errorf("%w: no object id", ErrInvalidPayload)
	}
	if !isObjectID(id) {
		return Event{}, fmt.Errorf("%w: malformed object id", ErrInvalidPayload)
	}
	ev.ObjectID = id
	return ev, nil
}

func isObjectID(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
