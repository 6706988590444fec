// Package inference provides access to pretrained model runtimes behind a small interface.
package inference

import "errors"

// Part types understood by every backend.
const (
	PartText  = "text"
	PartImage = "image"
)

// RoleUser is the only conversational role the pipeline sends.
const RoleUser = "user"

var (
	// ErrImageUnsupported is returned by backends that only accept text.
	ErrImageUnsupported = errors.New("backend does not support image inputs")
	// ErrUnknownBackend is returned when no factory is registered for a backend name.
	ErrUnknownBackend = errors.New("unknown inference backend")
	// ErrEmptyOutput is returned when a forward pass produced no hidden states.
	ErrEmptyOutput = errors.New("model returned an empty hidden state")
)

// ContentPart is one element of a message's content list.
type ContentPart struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"` // Local path, URL or data URI
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an image content part.
func ImagePart(ref string) ContentPart {
	return ContentPart{Type: PartImage, Image: ref}
}

// Message is a single conversational turn.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// UserMessage builds a single-turn conversation from content parts.
func UserMessage(parts ...ContentPart) []Message {
	return []Message{{Role: RoleUser, Content: parts}}
}

// HasImage reports whether any message carries an image part.
func HasImage(messages []Message) bool {
	for _, m := range messages {
		for _, p := range m.Content {
			if p.Type == PartImage {
				return true
			}
		}
	}
	return false
}

// Output is the result of one forward pass over a single sequence.
type Output struct {
	// LastHiddenState is indexed [position][feature].
	LastHiddenState [][]float32
	// AttentionMask has one entry per position; 0 marks padding.
	AttentionMask []int64
	// Logits is nil when the checkpoint has no classification head.
	Logits []float32
}

// Positions returns the sequence length of the hidden state.
func (o *Output) Positions() int {
	return len(o.LastHiddenState)
}

// HiddenSize returns the feature dimension, or 0 for an empty output.
func (o *Output) HiddenSize() int {
	if len(o.LastHiddenState) == 0 {
		return 0
	}
	return len(o.LastHiddenState[0])
}
