package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeNotFound, "mission xyz not found")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}

	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}

	if err.Message != "mission xyz not found" {
		t.Errorf("Message = %v, want 'mission xyz not found'", err.Message)
	}

	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}

	if len(err.Stack) == 0 {
		t.Error("Stack should be captured")
	}

	if err.Retryable {
		t.Error("Retryable should default to false")
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("disk I/O error")
	err := Wrap(underlying, ErrCodeStoreIO, "append mission event")

	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}
	if !strings.Contains(err.Error(), "disk I/O error") {
		t.Error("Error string should include underlying error")
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should reach the underlying error")
	}
}

func TestWrap_Nil(t *testing.T) {
	if err := Wrap(nil, ErrCodeInternal, "test"); err != nil {
		t.Error("Wrap of nil should return nil")
	}
}

func TestErrorContextIsSorted(t *testing.T) {
	err := New(ErrCodeConflict, "workspace in use").
		WithContext("workspace", "ws-1").
		WithContext("mission", "m-1")

	want := "[CONFLICT] workspace in use {mission: m-1, workspace: ws-1}"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestCodeLookupThroughWrapping(t *testing.T) {
	base := New(ErrCodeBridgeConnection, "delegate runtime unreachable")
	wrapped := fmt.Errorf("start session: %w", base)

	if !IsCode(wrapped, ErrCodeBridgeConnection) {
		t.Fatal("IsCode should find code through fmt.Errorf wrapping")
	}
	if got := GetCode(wrapped); got != ErrCodeBridgeConnection {
		t.Fatalf("GetCode = %s", got)
	}
	if got := GetCode(errors.New("plain")); got != ErrCodeInternal {
		t.Fatalf("GetCode(plain) = %s, want INTERNAL", got)
	}
	if got := GetCode(nil); got != "" {
		t.Fatalf("GetCode(nil) = %q, want empty", got)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(errors.New("locked"), ErrCodeStoreIO, "write")
	if !errors.Is(err, New(ErrCodeStoreIO, "")) {
		t.Fatal("errors.Is should match by code")
	}
	if errors.Is(err, New(ErrCodeConflict, "")) {
		t.Fatal("errors.Is should not match a different code")
	}
}

func TestMessage(t *testing.T) {
	inner := New(ErrCodeWorkspaceProvision, "extract base image")
	outer := Wrap(inner, ErrCodeWorkspaceNotReady, "workspace ws-1 is in error")

	if got := Message(outer); got != "workspace ws-1 is in error: extract base image" {
		t.Fatalf("Message = %q", got)
	}
	if got := Message(errors.New("boom")); got != "boom" {
		t.Fatalf("Message(plain) = %q", got)
	}
	if Message(nil) != "" {
		t.Fatal("Message(nil) should be empty")
	}
}

func TestIsRetryable(t *testing.T) {
	err := New(ErrCodeBridgeConnection, "reset").WithRetryable(true)
	if !IsRetryable(fmt.Errorf("wrap: %w", err)) {
		t.Fatal("expected retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatal("plain errors are not retryable")
	}
}

func TestStackTrace(t *testing.T) {
	trace := New(ErrCodeInternal, "x").StackTrace()
	if !strings.HasPrefix(trace, "Stack trace:") {
		t.Fatalf("unexpected trace header: %q", trace)
	}
}
