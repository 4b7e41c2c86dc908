package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

type Kind string

const (
	KindInsert  Kind = "INSERT"
	KindDelete  Kind = "DELETE"
	KindReplace Kind = "REPLACE"
	KindRetain  Kind = "RETAIN"
)

var (
	ErrOutOfRange = errors.New("OUT_OF_RANGE")
	// ErrHistoryUnavailable: the op's base revision predates the retained
	// history window, so it can no longer be rebased. The client has to
	// resync from a fresh snapshot.
	ErrHistoryUnavailable = errors.New("HISTORY_UNAVAILABLE")
	ErrUnknownKind        = errors.New("UNKNOWN_OP_KIND")
)

// Operation is a single edit intent authored against BaseVersion.
// Position and Length are rune offsets, matching the buffer.
type Operation struct {
	Kind        Kind   `json:"kind"`
	Position    int    `json:"position"`
	Text        string `json:"text,omitempty"`
	Length      int    `json:"length,omitempty"`
	BaseVersion uint64 `json:"baseVersion"`
	// ClientID identifies the authoring session (one user may hold several,
	// one per tab/device). Used for dedupe and for transform tie-breaks.
	ClientID string `json:"clientId"`
	// ClientSeq is the client's local sequence number for this ClientID.
	ClientSeq uint64 `json:"clientSeq"`
}

func (op Operation) TextLen() int { return utf8.RuneCountInString(op.Text) }

// IsNoop reports whether applying op would leave the content unchanged.
// Callers may short-circuit these without consuming a revision.
func IsNoop(op Operation) bool {
	switch op.Kind {
	case KindRetain:
		return true
	case KindInsert:
		return op.Text == ""
	case KindDelete:
		return op.Length <= 0
	case KindReplace:
		return op.Text == "" && op.Length <= 0
	}
	return false
}

// Validate checks the fields that do not depend on document state.
func (op Operation) Validate() error {
	switch op.Kind {
	case KindInsert, KindDelete, KindReplace, KindRetain:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrOutOfRange, op.Position)
	}
	if op.Length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrOutOfRange, op.Length)
	}
	return nil
}

// Apply runs op against content and returns the new content.
func Apply(content string, op Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}
	r := []rune(content)
	switch op.Kind {
	case KindRetain:
		return content, nil
	case KindInsert:
		if op.Position > len(r) {
			return "", fmt.Errorf("%w: insert at %d, content length %d", ErrOutOfRange, op.Position, len(r))
		}
		return string(r[:op.Position]) + op.Text + string(r[op.Position:]), nil
	case KindDelete:
		if op.Position+op.Length > len(r) {
			return "", fmt.Errorf("%w: delete [%d,%d), content length %d", ErrOutOfRange, op.Position, op.Position+op.Length, len(r))
		}
		return string(r[:op.Position]) + string(r[op.Position+op.Length:]), nil
	case KindReplace:
		if op.Position+op.Length > len(r) {
			return "", fmt.Errorf("%w: replace [%d,%d), content length %d", ErrOutOfRange, op.Position, op.Position+op.Length, len(r))
		}
		return string(r[:op.Position]) + op.Text + string(r[op.Position+op.Length:]), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
}
