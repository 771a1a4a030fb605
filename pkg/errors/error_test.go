package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "codejudge/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{SubmissionNotFound, "Submission not found"},
		{CompilationError, "Compilation error"},
		{InvalidJobPayload, "Invalid judge job payload"},
		{ErrorCode(99999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{LanguageNotSupported, 400},
		{SubmissionNotFound, 404},
		{JudgeInProgress, 409},
		{JudgeQueueFull, 429},
		{ServiceUnavailable, 503},
		{JudgeSystemError, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("connection refused")
	wrappedErr := Wrap(originalErr, DatabaseError)

	if wrappedErr.Code != DatabaseError {
		t.Errorf("Code = %v, want %v", wrappedErr.Code, DatabaseError)
	}
	if wrappedErr.Unwrap() != originalErr {
		t.Error("Unwrap() should return original error")
	}
	if Wrap(nil, DatabaseError) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWrapLeavesInnerErrorUntouched(t *testing.T) {
	inner := New(SubmissionNotFound)
	outer := Wrap(inner, DatabaseError)

	if inner.Code != SubmissionNotFound {
		t.Fatalf("inner code changed to %v", inner.Code)
	}
	if GetCode(outer) != DatabaseError || outer.Error() != inner.Error() {
		t.Fatalf("unexpected wrapped error %v %q", outer.Code, outer.Error())
	}
	if !errors.Is(outer, inner) {
		t.Fatalf("expected errors.Is to reach the inner error")
	}
}

func TestGetCodeThroughFmtWrap(t *testing.T) {
	inner := New(SubmissionNotFound)
	outer := fmt.Errorf("load submission: %w", inner)

	if got := GetCode(outer); got != SubmissionNotFound {
		t.Fatalf("expected %v, got %v", SubmissionNotFound, got)
	}
	if !Is(outer, SubmissionNotFound) {
		t.Fatalf("expected Is to match wrapped code")
	}
	if GetError(outer) != inner {
		t.Fatalf("expected GetError to return the inner error")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil error", err: nil, want: Success},
		{name: "custom error", err: New(ProblemNotFound), want: ProblemNotFound},
		{name: "standard error", err: errors.New("standard error"), want: InternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommonErrorConstructors(t *testing.T) {
	t.Run("ValidationError", func(t *testing.T) {
		err := ValidationError("problem_id", "required")
		if err.Code != ValidationFailed {
			t.Error("ValidationError should use ValidationFailed code")
		}
		if err.Details["field"] != "problem_id" {
			t.Error("Field detail not set")
		}
	})

	t.Run("JobPayloadError", func(t *testing.T) {
		err := JobPayloadError("source_payload", "is not valid base64")
		if err.Code != InvalidJobPayload {
			t.Fatalf("expected InvalidJobPayload, got %v", err.Code)
		}
		if err.Error() != "invalid job payload: source_payload is not valid base64" {
			t.Fatalf("unexpected message: %s", err.Error())
		}
	})
}
