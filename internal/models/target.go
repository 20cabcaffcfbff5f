package models

import (
	"errors"
	"strings"
)

// ErrTargetConflict is returned when a validation target names both a response
// and a linguist sentence, or neither.
var ErrTargetConflict = errors.New("validation target must reference exactly one of response or linguist sentence")

type TargetKind string

const (
	TargetResponse         TargetKind = "response"
	TargetLinguistSentence TargetKind = "linguist_sentence"
)

// Target is what a validation judges: Response(id) or LinguistSentence(id).
// The zero value is "no target". Construct with ResponseTarget,
// SentenceTarget, ParseTarget or TargetFromColumns.
type Target struct {
	kind TargetKind
	id   string
}

func ResponseTarget(id string) Target { return Target{kind: TargetResponse, id: id} }

func SentenceTarget(id string) Target { return Target{kind: TargetLinguistSentence, id: id} }

// ParseTarget builds a target from an external kind/id pair.
func ParseTarget(kind, id string) (Target, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Target{}, ErrTargetConflict
	}
	switch TargetKind(strings.TrimSpace(kind)) {
	case TargetResponse:
		return ResponseTarget(id), nil
	case TargetLinguistSentence:
		return SentenceTarget(id), nil
	}
	return Target{}, ErrTargetConflict
}

// TargetFromColumns maps the two nullable foreign keys of the storage layout
// back onto a target. Exactly one must be set.
func TargetFromColumns(responseID, sentenceID string) (Target, error) {
	switch {
	case responseID != "" && sentenceID == "":
		return ResponseTarget(responseID), nil
	case sentenceID != "" && responseID == "":
		return SentenceTarget(sentenceID), nil
	}
	return Target{}, ErrTargetConflict
}

func (t Target) Kind() TargetKind { return t.kind }
func (t Target) ID() string       { return t.id }
func (t Target) IsZero() bool     { return t.id == "" }

// Columns returns the (response_id, linguist_sentence_id) pair for storage.
func (t Target) Columns() (responseID, sentenceID string) {
	switch t.kind {
	case TargetResponse:
		return t.id, ""
	case TargetLinguistSentence:
		return "", t.id
	}
	return "", ""
}

func (t Target) String() string {
	if t.IsZero() {
		return ""
	}
	return string(t.kind) + ":" + t.id
}
