package repository

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// MaxNoteLength is the maximum note length in characters, inclusive.
const MaxNoteLength = 1000

// NoteLedger stores one free-text note per logical test.
type NoteLedger interface {
	UpsertNote(ctx context.Context, testID, content string) (*store.Note, error)
	GetNote(ctx context.Context, testID string) (*store.Note, error)
	DeleteNote(ctx context.Context, testID string) (int64, error)
}

// Compile-time interface check.
var _ NoteLedger = (*noteLedger)(nil)

type noteLedger struct {
	log   logrus.FieldLogger
	store store.Store
}

// NewNoteLedger creates a NoteLedger backed by st.
func NewNoteLedger(log logrus.FieldLogger, st store.Store) NoteLedger {
	return &noteLedger{
		log:   log.WithField("component", "note-ledger"),
		store: st,
	}
}

// UpsertNote inserts the note or replaces its content, refreshing
// updated_at. Content longer than MaxNoteLength characters is rejected
// with ErrValidation before anything is written.
func (l *noteLedger) UpsertNote(
	ctx context.Context, testID, content string,
) (*store.Note, error) {
	if testID == "" {
		return nil, store.Validationf("test id is required")
	}

	if n := utf8.RuneCountInString(content); n > MaxNoteLength {
		return nil, store.Validationf(
			"note is %d characters, maximum is %d", n, MaxNoteLength,
		)
	}

	now := utcNow()

	if _, err := l.store.Execute(ctx,
		`INSERT INTO notes (test_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (test_id) DO UPDATE
		SET content = excluded.content, updated_at = excluded.updated_at`,
		testID, content, now, now,
	); err != nil {
		return nil, fmt.Errorf("upserting note: %w", err)
	}

	note, err := l.GetNote(ctx, testID)
	if err != nil {
		return nil, err
	}

	return note, nil
}

// GetNote returns the note of a logical test, or nil.
func (l *noteLedger) GetNote(ctx context.Context, testID string) (*store.Note, error) {
	var note store.Note

	found, err := l.store.QueryOne(ctx, &note, "SELECT * FROM notes WHERE test_id = ?", testID)
	if err != nil {
		return nil, fmt.Errorf("getting note: %w", err)
	}

	if !found {
		return nil, nil
	}

	return &note, nil
}

func (l *noteLedger) DeleteNote(ctx context.Context, testID string) (int64, error) {
	n, err := l.store.Execute(ctx, "DELETE FROM notes WHERE test_id = ?", testID)
	if err != nil {
		return 0, fmt.Errorf("deleting note: %w", err)
	}

	return n, nil
}
