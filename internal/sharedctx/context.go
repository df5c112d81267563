// Package sharedctx builds and mutates the visibility-scoped key-value
// context items participants share within a session.
package sharedctx

import (
	"time"

	"github.com/tandemlab/tandem/internal/protocol"
)

// Item is one shared context entry. Content and ContentRef are mutually
// exclusive: large payloads live in the content store and are referenced by
// hash. An empty VisibleTo set means visible to everyone.
type Item struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type,omitempty"`
	Content     string    `json:"content,omitempty"`
	ContentRef  string    `json:"content_ref,omitempty"`
	VisibleTo   []string  `json:"visible_to,omitempty"`
	AddedBy     string    `json:"added_by"`
	AddedAt     time.Time `json:"added_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// New creates a context item from an add payload, stamping provenance.
// Returns an INVALID_STATE error when both content and content_ref are set.
func New(p *protocol.ContextAddPayload, addedBy string, now time.Time) (*Item, error) {
	if p.Content != "" && p.ContentRef != "" {
		return nil, protocol.InvalidState("context item %q sets both content and content_ref", p.Key)
	}
	return &Item{
		Key:         p.Key,
		ContentType: p.ContentType,
		Content:     p.Content,
		ContentRef:  p.ContentRef,
		VisibleTo:   append([]string(nil), p.VisibleTo...),
		AddedBy:     addedBy,
		AddedAt:     now,
		UpdatedAt:   now,
	}, nil
}

// VisibleToParticipant reports whether the item is visible to the given
// participant id.
func (i *Item) VisibleToParticipant(id string) bool {
	if len(i.VisibleTo) == 0 {
		return true
	}
	for _, v := range i.VisibleTo {
		if v == id {
			return true
		}
	}
	return false
}

// UpdateContent replaces the inline content, clearing any reference.
func (i *Item) UpdateContent(content string, now time.Time) {
	i.Content = content
	i.ContentRef = ""
	i.UpdatedAt = now
}

// UpdateContentRef replaces the content reference, clearing inline content.
func (i *Item) UpdateContentRef(ref string, now time.Time) {
	i.ContentRef = ref
	i.Content = ""
	i.UpdatedAt = now
}

// Apply applies an update payload, enforcing that content and content_ref
// are never set on the same update.
func (i *Item) Apply(p *protocol.ContextUpdatePayload, now time.Time) error {
	if p.Content != "" && p.ContentRef != "" {
		return protocol.InvalidState("context update for %q sets both content and content_ref", p.Key)
	}
	if p.ContentRef != "" {
		i.UpdateContentRef(p.ContentRef, now)
		return nil
	}
	i.UpdateContent(p.Content, now)
	return nil
}
