package refstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fedeng/deino/domain"
	"github.com/google/uuid"
)

// errTombstone signals that the fetched document was a Tombstone and the
// reference must transition to gone rather than resolved.
var errTombstone = errors.New("document is a tombstone")

// actorDoc is the subset of an ActivityPub actor document the engine needs.
type actorDoc struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Followers         string      `json:"followers"`
	Following         string      `json:"following"`
	Liked             string      `json:"liked"`
	ManuallyApproves  bool        `json:"manuallyApprovesFollowers"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// objectDoc is the subset of a content object document the engine needs.
type objectDoc struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Content      string          `json:"content"`
	Summary      string          `json:"summary"`
	AttributedTo string          `json:"attributedTo"`
	InReplyTo    string          `json:"inReplyTo"`
	Published    string          `json:"published"`
	Sensitive    bool            `json:"sensitive"`
	Attachment   json.RawMessage `json:"attachment"`
}

// attachmentDoc is one entry of an object's attachment field. Media
// attachments carry the URL in "url", plain Link entries in "href".
type attachmentDoc struct {
	Type      string `json:"type"`
	Href      string `json:"href"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType"`
	Name      string `json:"name"`
}

// parseLinks extracts the attachments of a document. The field may hold a
// single entry or an array; anything without a usable target is skipped.
func parseLinks(refId uuid.UUID, raw json.RawMessage) []domain.Link {
	if len(raw) == 0 {
		return nil
	}
	var docs []attachmentDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		var single attachmentDoc
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil
		}
		docs = []attachmentDoc{single}
	}

	var links []domain.Link
	for _, d := range docs {
		href := d.Href
		if href == "" {
			href = d.URL
		}
		if href == "" {
			continue
		}
		links = append(links, domain.Link{
			ReferenceId: refId,
			Href:        href,
			MediaType:   d.MediaType,
			Name:        d.Name,
		})
	}
	return links
}

// attachContext parses a fetched document and attaches the matching typed
// context to the reference. Unknown types still resolve; they just carry no
// context.
func (s *Store) attachContext(ref *domain.Reference, body []byte) error {
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}

	switch head.Type {
	case "Person", "Service", "Application", "Group", "Organization":
		return s.attachActor(ref, body)
	case "Note", "Question", "Article", "Page":
		return s.attachObject(ref, body, head.Type)
	case "Tombstone":
		return errTombstone
	default:
		return nil
	}
}

func (s *Store) attachActor(ref *domain.Reference, body []byte) error {
	var doc actorDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("failed to parse actor document: %w", err)
	}
	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return fmt.Errorf("actor document for %s missing required fields", ref.URI)
	}

	actor := &domain.Actor{
		ReferenceId:       ref.Id,
		PreferredUsername: doc.PreferredUsername,
		DisplayName:       doc.Name,
		Summary:           doc.Summary,
		InboxURI:          doc.Inbox,
		OutboxURI:         doc.Outbox,
		SharedInboxURI:    doc.Endpoints.SharedInbox,
		FollowersURI:      doc.Followers,
		FollowingURI:      doc.Following,
		LikedURI:          doc.Liked,
		PublicKeyPem:      doc.PublicKey.PublicKeyPem,
		ManuallyApproves:  doc.ManuallyApproves,
		FetchedAt:         time.Now(),
	}
	return s.db.UpsertActor(actor)
}

func (s *Store) attachObject(ref *domain.Reference, body []byte, objType string) error {
	var doc objectDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("failed to parse object document: %w", err)
	}
	if doc.AttributedTo == "" {
		return fmt.Errorf("object document for %s missing attributedTo", ref.URI)
	}

	published := time.Now()
	if doc.Published != "" {
		if t, err := time.Parse(time.RFC3339, doc.Published); err == nil {
			published = t
		}
	}

	obj := &domain.Object{
		ReferenceId:  ref.Id,
		Type:         objType,
		Content:      doc.Content,
		Summary:      doc.Summary,
		AttributedTo: doc.AttributedTo,
		InReplyTo:    doc.InReplyTo,
		Published:    published,
		Sensitive:    doc.Sensitive,
	}
	if err := s.db.CreateObject(obj); err != nil {
		// The context may already exist from an earlier resolve; the first
		// payload wins.
		if existing, rerr := s.db.ReadObject(ref.Id); rerr != nil || existing == nil {
			return err
		}
	}
	// Attachments follow the latest fetched document.
	return s.db.ReplaceLinks(ref.Id, parseLinks(ref.Id, doc.Attachment))
}
