package api

import (
	"time"

	"github.com/ethpandaops/testoor/pkg/repository"
	"github.com/ethpandaops/testoor/pkg/service"
	"github.com/ethpandaops/testoor/pkg/store"
)

type createRunRequest struct {
	ID       string         `json:"id" validate:"omitempty,max=64"`
	Status   string         `json:"status" validate:"omitempty,oneof=running completed failed"`
	Metadata store.Metadata `json:"metadata"`
}

func (r *createRunRequest) toRun() *store.Run {
	return &store.Run{
		ID:       r.ID,
		Status:   r.Status,
		Metadata: r.Metadata,
	}
}

type updateRunRequest struct {
	Status       *string         `json:"status" validate:"omitempty,oneof=running completed failed"`
	TotalTests   *int            `json:"total_tests" validate:"omitempty,min=0"`
	PassedTests  *int            `json:"passed_tests" validate:"omitempty,min=0"`
	FailedTests  *int            `json:"failed_tests" validate:"omitempty,min=0"`
	SkippedTests *int            `json:"skipped_tests" validate:"omitempty,min=0"`
	Duration     *int64          `json:"duration" validate:"omitempty,min=0"`
	Metadata     *store.Metadata `json:"metadata"`
}

func (r *updateRunRequest) toUpdate() repository.RunUpdate {
	return repository.RunUpdate{
		Status:       r.Status,
		TotalTests:   r.TotalTests,
		PassedTests:  r.PassedTests,
		FailedTests:  r.FailedTests,
		SkippedTests: r.SkippedTests,
		Duration:     r.Duration,
		Metadata:     r.Metadata,
	}
}

type completeRunRequest struct {
	Status   string `json:"status" validate:"omitempty,oneof=completed failed"`
	Duration *int64 `json:"duration" validate:"omitempty,min=0"`
}

type discoverRequest struct {
	Tests []service.DiscoveredTest `json:"tests" validate:"dive"`
}

type resultRequest struct {
	ID           string         `json:"id" validate:"omitempty,max=64"`
	TestID       string         `json:"test_id" validate:"required,max=255"`
	Name         string         `json:"name" validate:"required"`
	FilePath     string         `json:"file_path"`
	Status       string         `json:"status" validate:"required,oneof=passed failed skipped timedOut pending"`
	Duration     int64          `json:"duration" validate:"min=0"`
	ErrorMessage *string        `json:"error_message"`
	ErrorStack   *string        `json:"error_stack"`
	RetryCount   int            `json:"retry_count" validate:"min=0"`
	Metadata     store.Metadata `json:"metadata"`
	Timestamp    *time.Time     `json:"timestamp"`
}

func (r *resultRequest) toResult(runID string) *store.TestResult {
	result := &store.TestResult{
		ID:           r.ID,
		TestID:       r.TestID,
		RunID:        runID,
		Name:         r.Name,
		FilePath:     r.FilePath,
		Status:       r.Status,
		Duration:     r.Duration,
		ErrorMessage: r.ErrorMessage,
		ErrorStack:   r.ErrorStack,
		RetryCount:   r.RetryCount,
		Metadata:     r.Metadata,
	}

	if r.Timestamp != nil {
		result.CreatedAt = *r.Timestamp
	}

	return result
}

type recordResultResponse struct {
	*store.TestResult
	AttachmentError string `json:"attachment_error,omitempty"`
}

type noteRequest struct {
	Content string `json:"content"`
}

type pruneRequest struct {
	ExecutionIDs []string `json:"execution_ids" validate:"required,min=1,dive,required"`
}
