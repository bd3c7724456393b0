package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Run status constants.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Execution status constants.
const (
	StatusPassed   = "passed"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
	StatusTimedOut = "timedOut"
	StatusPending  = "pending"
)

// Attachment type constants.
const (
	AttachmentVideo      = "video"
	AttachmentScreenshot = "screenshot"
	AttachmentTrace      = "trace"
	AttachmentLog        = "log"
)

// ValidRunStatus reports whether s is a known run status.
func ValidRunStatus(s string) bool {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed:
		return true
	default:
		return false
	}
}

// ValidStatus reports whether s is a known execution status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusTimedOut, StatusPending:
		return true
	default:
		return false
	}
}

// ValidAttachmentType reports whether s is a known attachment type.
func ValidAttachmentType(s string) bool {
	switch s {
	case AttachmentVideo, AttachmentScreenshot, AttachmentTrace, AttachmentLog:
		return true
	default:
		return false
	}
}

// Run is a batch of executions with aggregate counters. It is the only
// record that is updated in place.
type Run struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	Status       string    `gorm:"not null;size:16;default:running" json:"status"`
	TotalTests   int       `gorm:"not null;default:0" json:"total_tests"`
	PassedTests  int       `gorm:"not null;default:0" json:"passed_tests"`
	FailedTests  int       `gorm:"not null;default:0" json:"failed_tests"`
	SkippedTests int       `gorm:"not null;default:0" json:"skipped_tests"`
	Duration     int64     `gorm:"not null;default:0" json:"duration"`
	Metadata     Metadata  `json:"metadata"`
	CreatedAt    time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

// TestResult is one recorded attempt of a logical test. Rows are never
// updated after insert; a retry is a new row sharing the same TestID.
type TestResult struct {
	// Seq is the insertion order and breaks ties between equal timestamps.
	Seq          uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ID           string    `gorm:"unique;not null;size:64" json:"id"`
	TestID       string    `gorm:"not null;size:255;index" json:"test_id"`
	RunID        string    `gorm:"not null;size:64;index" json:"run_id"`
	Run          *Run      `gorm:"foreignKey:RunID;references:ID;constraint:OnDelete:RESTRICT" json:"-"`
	Name         string    `gorm:"not null" json:"name"`
	FilePath     string    `gorm:"not null" json:"file_path"`
	Status       string    `gorm:"not null;size:16;index" json:"status"`
	Duration     int64     `gorm:"not null;default:0" json:"duration"`
	ErrorMessage *string   `json:"error_message"`
	ErrorStack   *string   `json:"error_stack"`
	RetryCount   int       `gorm:"not null;default:0" json:"retry_count"`
	Metadata     Metadata  `json:"metadata"`
	CreatedAt    time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`

	Attachments []Attachment `gorm:"-" json:"attachments"`
}

// Attachment references a blob produced by an execution. Rows are removed
// by the engine when the parent execution is deleted.
type Attachment struct {
	ID           string      `gorm:"primaryKey;size:64" json:"id"`
	TestResultID string      `gorm:"not null;size:64;index" json:"test_result_id"`
	TestResult   *TestResult `gorm:"foreignKey:TestResultID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
	Type         string      `gorm:"not null;size:16" json:"type"`
	FileName     string      `gorm:"not null" json:"file_name"`
	FilePath     string      `gorm:"not null" json:"file_path"`
	FileSize     int64       `gorm:"not null;default:0" json:"file_size"`
	MimeType     *string     `json:"mime_type"`
	URL          string      `gorm:"column:url;not null" json:"url"`
	CreatedAt    time.Time   `gorm:"not null" json:"created_at"`
}

// Note is a free-text annotation keyed by logical test.
type Note struct {
	TestID    string    `gorm:"primaryKey;size:255" json:"test_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// Metadata is opaque structured data persisted as JSON text.
type Metadata map[string]any

// GormDataType implements gorm's schema.GormDataTypeInterface.
func (Metadata) GormDataType() string {
	return "text"
}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}

	data, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	return string(data), nil
}

// Scan implements sql.Scanner. Payloads that are not a JSON object decode
// to nil so that rows written by older versions remain readable.
func (m *Metadata) Scan(value any) error {
	var data []byte

	switch v := value.(type) {
	case nil:
		*m = nil

		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		*m = nil

		return nil
	}

	if len(data) == 0 {
		*m = nil

		return nil
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		*m = nil

		return nil
	}

	*m = decoded

	return nil
}

// DecodeMetadata decodes metadata into a typed value. Keys are matched
// against `mapstructure` tags, falling back to case-insensitive field names.
func DecodeMetadata[T any](m Metadata) (T, error) {
	var out T

	if m == nil {
		return out, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return out, fmt.Errorf("creating metadata decoder: %w", err)
	}

	if err := decoder.Decode(map[string]any(m)); err != nil {
		return out, fmt.Errorf("decoding metadata: %w", err)
	}

	return out, nil
}
