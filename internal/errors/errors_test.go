package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestNewUsesRegisteredMessage(t *testing.T) {
	err := New(CodeNotFound, "")
	if err.Message() != "resource not found" {
		t.Fatalf("unexpected default message: %q", err.Message())
	}
	if err.Category() != CategoryNotFound {
		t.Fatalf("unexpected category: %s", err.Category())
	}
}

func TestErrorStringSortsMetadata(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := Wrap(CodeStorageFailure, cause, "写入失败",
		WithMetadata("job_id", "j-1"),
		WithMetadata("agent_id", "a-1"),
	)
	want := "[STORAGE_FAILURE] 写入失败 (agent_id=a-1, job_id=j-1): boom"
	if err.Error() != want {
		t.Fatalf("unexpected error string:\n got %q\nwant %q", err.Error(), want)
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeConflict, "job already claimed")
	err := fmt.Errorf("claim: %w", New(CodeConflict, "other message", WithMetadata("job_id", "j-1")))
	if !stdErrors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if stdErrors.Is(err, New(CodeNotFound, "")) {
		t.Fatalf("expected different codes not to match")
	}
}

func TestRegisterAndOverrides(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{Message: "registered", Severity: SeverityWarning, Retryable: true, Alert: true})

	attrs := AttributesOf(code)
	if attrs.Category != CategoryInternal {
		t.Fatalf("expected empty category to default to internal, got %s", attrs.Category)
	}

	err := New(code, "")
	if !err.Retryable() || err.Severity() != SeverityWarning || !ShouldAlert(err) {
		t.Fatalf("registered attributes not applied: %+v", attrs)
	}

	overridden := New(code, "", WithRetryable(false), WithSeverity(SeverityCritical))
	if overridden.Retryable() {
		t.Fatalf("expected retryable override")
	}
	if SeverityOf(overridden) != SeverityCritical {
		t.Fatalf("expected severity override, got %s", SeverityOf(overridden))
	}
}

func TestHelpersOnForeignErrors(t *testing.T) {
	plain := fmt.Errorf("plain")
	if CodeOf(plain) != CodeUnknown {
		t.Fatalf("expected unknown code for plain error")
	}
	if CategoryOf(plain) != CategoryInternal {
		t.Fatalf("expected internal category for plain error")
	}
	if RetryableError(plain) || ShouldAlert(plain) {
		t.Fatalf("plain errors should not be retryable or alerting")
	}
	if AttributesOf("NEVER_REGISTERED").Message != "unknown error" {
		t.Fatalf("expected unknown attributes for unregistered code")
	}
	if _, ok := From(nil); ok {
		t.Fatalf("expected From(nil) to report false")
	}
}

func TestMetadataReturnsCopy(t *testing.T) {
	err := New(CodeInvalidArgument, "bad", WithMetadata("field", "stake"))
	md := err.Metadata()
	md["field"] = "changed"
	if err.Metadata()["field"] != "stake" {
		t.Fatalf("metadata should not be mutable through the returned map")
	}
}
