package shared

import (
	"context"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	cases := []struct {
		in       string
		leaked   string
		redacted bool
	}{
		{"rollback requested by operator", "", false},
		{"Authorization: Bearer abc.def-ghi", "abc.def-ghi", true},
		{"api_key=sk-12345 attached", "sk-12345", true},
		{"password: hunter2", "hunter2", true},
		{strings.Repeat("A", 48), strings.Repeat("A", 48), true},
	}
	for _, tc := range cases {
		out := Redact(tc.in)
		if tc.redacted {
			if out == tc.in {
				t.Errorf("Redact(%q) left input unchanged", tc.in)
			}
			if tc.leaked != "" && strings.Contains(out, tc.leaked) {
				t.Errorf("Redact(%q) leaked %q: %q", tc.in, tc.leaked, out)
			}
		} else if out != tc.in {
			t.Errorf("Redact(%q) mangled benign input: %q", tc.in, out)
		}
	}
}

func TestIsSensitiveKey(t *testing.T) {
	for _, key := range []string{"api_key", "Authorization", "gate_token", "db_password"} {
		if !IsSensitiveKey(key) {
			t.Errorf("expected %q to be sensitive", key)
		}
	}
	for _, key := range []string{"project_id", "task_id", ""} {
		if IsSensitiveKey(key) {
			t.Errorf("expected %q to be benign", key)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if TraceID(ctx) != "-" {
		t.Fatalf("default trace id: %q", TraceID(ctx))
	}
	if Actor(ctx) != "system" {
		t.Fatalf("default actor: %q", Actor(ctx))
	}

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithActor(ctx, "operator")
	ctx = WithProjectID(ctx, "P1")
	ctx = WithTaskID(ctx, "t1")
	ctx = WithAgentID(ctx, "A1")

	if TraceID(ctx) != "trace-1" || Actor(ctx) != "operator" {
		t.Fatalf("context round trip: %q %q", TraceID(ctx), Actor(ctx))
	}
	if ProjectID(ctx) != "P1" || TaskID(ctx) != "t1" || AgentID(ctx) != "A1" {
		t.Fatalf("id round trip: %q %q %q", ProjectID(ctx), TaskID(ctx), AgentID(ctx))
	}

	if NewTraceID() == NewTraceID() {
		t.Fatal("trace ids must be unique")
	}
}
