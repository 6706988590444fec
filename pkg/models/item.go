// Package models contains domain models for mmsearch.
package models

import "strings"

// Role selects which instruction an item is embedded with.
type Role string

const (
	// RoleQuery marks the item that is searched for.
	RoleQuery Role = "query"
	// RoleDocument marks an item of the searched collection.
	RoleDocument Role = "document"
)

// Item is a query or document. At least one of Text and Image is set.
type Item struct {
	ID    string `yaml:"id,omitempty" json:"id,omitempty"`       // Documents only
	Text  string `yaml:"text,omitempty" json:"text,omitempty"`   // Optional text body
	Image string `yaml:"image,omitempty" json:"image,omitempty"` // Local path or http(s) URL
}

// HasText reports whether the item carries text.
func (i Item) HasText() bool {
	return i.Text != ""
}

// HasImage reports whether the item references an image.
func (i Item) HasImage() bool {
	return i.Image != ""
}

// IsEmpty reports whether the item has neither text nor image.
func (i Item) IsEmpty() bool {
	return !i.HasText() && !i.HasImage()
}

// Kind returns a short label for logging: "text", "image" or "hybrid".
func (i Item) Kind() string {
	switch {
	case i.HasText() && i.HasImage():
		return "hybrid"
	case i.HasImage():
		return "image"
	case i.HasText():
		return "text"
	default:
		return "empty"
	}
}

// Label returns the ID, or a shortened text for items without one.
func (i Item) Label() string {
	if i.ID != "" {
		return i.ID
	}
	text := strings.TrimSpace(i.Text)
	if runes := []rune(text); len(runes) > 48 {
		return string(runes[:45]) + "..."
	}
	if text == "" {
		return i.Image
	}
	return text
}
