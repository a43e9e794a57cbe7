// ABOUTME: Pure helpers for editing an agent's message list
// ABOUTME: Each returns a new slice and never mutates its input

package agent

import (
	"errors"
	"fmt"
	"slices"

	"github.com/2389/convo-studio/internal/store"
)

// ErrIndexOutOfRange is returned when a message or image index does not exist.
var ErrIndexOutOfRange = errors.New("index out of range")

// Ptr returns a pointer to v, for building a Patch.
func Ptr[T any](v T) *T {
	return &v
}

func checkIndex(msgs []store.Message, i int) error {
	if i < 0 || i >= len(msgs) {
		return fmt.Errorf("%w: message %d of %d", ErrIndexOutOfRange, i, len(msgs))
	}
	return nil
}

// AppendMessage adds m at the end.
func AppendMessage(msgs []store.Message, m store.Message) []store.Message {
	out := store.CloneMessages(msgs)
	return append(out, m)
}

// InsertMessage inserts m before position i; i == len(msgs) appends.
func InsertMessage(msgs []store.Message, i int, m store.Message) ([]store.Message, error) {
	if i < 0 || i > len(msgs) {
		return nil, fmt.Errorf("%w: insert at %d of %d", ErrIndexOutOfRange, i, len(msgs))
	}
	return slices.Insert(store.CloneMessages(msgs), i, m), nil
}

// SetContent replaces the text of message i.
func SetContent(msgs []store.Message, i int, content string) ([]store.Message, error) {
	if err := checkIndex(msgs, i); err != nil {
		return nil, err
	}
	out := store.CloneMessages(msgs)
	out[i].Content = content
	return out, nil
}

// DeleteMessage removes message i.
func DeleteMessage(msgs []store.Message, i int) ([]store.Message, error) {
	if err := checkIndex(msgs, i); err != nil {
		return nil, err
	}
	return slices.Delete(store.CloneMessages(msgs), i, i+1), nil
}

// MoveMessage moves message from to position to, shifting the others.
func MoveMessage(msgs []store.Message, from, to int) ([]store.Message, error) {
	if err := checkIndex(msgs, from); err != nil {
		return nil, err
	}
	if err := checkIndex(msgs, to); err != nil {
		return nil, err
	}
	out := store.CloneMessages(msgs)
	m := out[from]
	out = slices.Delete(out, from, from+1)
	return slices.Insert(out, to, m), nil
}

// ToggleRole flips message i between user and assistant.
func ToggleRole(msgs []store.Message, i int) ([]store.Message, error) {
	if err := checkIndex(msgs, i); err != nil {
		return nil, err
	}
	out := store.CloneMessages(msgs)
	if out[i].Role == store.RoleUser {
		out[i].Role = store.RoleAssistant
	} else {
		out[i].Role = store.RoleUser
	}
	return out, nil
}

// AddImage appends an image reference to message i.
func AddImage(msgs []store.Message, i int, ref string) ([]store.Message, error) {
	if err := checkIndex(msgs, i); err != nil {
		return nil, err
	}
	out := store.CloneMessages(msgs)
	out[i].Images = append(out[i].Images, ref)
	return out, nil
}

// RemoveImage drops image img from message i.
func RemoveImage(msgs []store.Message, i, img int) ([]store.Message, error) {
	if err := checkIndex(msgs, i); err != nil {
		return nil, err
	}
	if img < 0 || img >= len(msgs[i].Images) {
		return nil, fmt.Errorf("%w: image %d of %d", ErrIndexOutOfRange, img, len(msgs[i].Images))
	}
	out := store.CloneMessages(msgs)
	out[i].Images = slices.Delete(out[i].Images, img, img+1)
	if len(out[i].Images) == 0 {
		out[i].Images = nil
	}
	return out, nil
}
