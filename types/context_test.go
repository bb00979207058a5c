package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ctx = WithTraceID(ctx, "t1")
	if got, ok := TraceID(ctx); !ok || got != "t1" {
		t.Fatalf("TraceID mismatch: %v %v", got, ok)
	}

	ctx = WithSubjectID(ctx, "msme-42")
	if got, ok := SubjectID(ctx); !ok || got != "msme-42" {
		t.Fatalf("SubjectID mismatch: %v %v", got, ok)
	}

	ctx = WithExecutionID(ctx, "exec")
	if got, ok := ExecutionID(ctx); !ok || got != "exec" {
		t.Fatalf("ExecutionID mismatch: %v %v", got, ok)
	}

	ctx = WithRequestID(ctx, "req")
	if got, ok := RequestID(ctx); !ok || got != "req" {
		t.Fatalf("RequestID mismatch: %v %v", got, ok)
	}
}

func TestContextHelpers_Empty(t *testing.T) {
	t.Parallel()

	ctx := WithTraceID(context.Background(), "")
	if _, ok := TraceID(ctx); ok {
		t.Fatalf("empty trace id should not be reported")
	}
	if _, ok := SubjectID(context.Background()); ok {
		t.Fatalf("missing subject id should not be reported")
	}
}
