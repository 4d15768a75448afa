package domain

import "testing"

func TestJobStatusConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant JobStatus
		expected string
	}{
		{"JobQueued", JobQueued, "queued"},
		{"JobRunning", JobRunning, "running"},
		{"JobSucceeded", JobSucceeded, "succeeded"},
		{"JobFailed", JobFailed, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("expected %s to be %q, got %q", tt.name, tt.expected, string(tt.constant))
			}
		})
	}
}

func TestKeyModeConstants(t *testing.T) {
	if KeyModeDirect != "direct" || KeyModeProxy != "proxy" || KeyModeProxyStatic != "proxy_static" {
		t.Fatalf("unexpected key mode values: %q %q %q", KeyModeDirect, KeyModeProxy, KeyModeProxyStatic)
	}
	if StaticKeyMarker != "STATIC" {
		t.Fatalf("unexpected static key marker: %q", StaticKeyMarker)
	}
}

func TestJobMessageType(t *testing.T) {
	if JobMessageType != "job.start" {
		t.Fatalf("unexpected job message type: %q", JobMessageType)
	}
}

func TestSeverityConstants(t *testing.T) {
	values := []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
	want := []string{"critical", "high", "medium", "low", "info"}
	for i, v := range values {
		if string(v) != want[i] {
			t.Fatalf("severity %d: got %q want %q", i, v, want[i])
		}
	}
}

func TestErrorTaxonomyDistinct(t *testing.T) {
	errs := []error{ErrInvalidArgument, ErrNotFound, ErrConflict, ErrAuthFailure, ErrPrecondition, ErrEnqueueFailed, ErrInternal}
	seen := map[string]bool{}
	for _, e := range errs {
		if seen[e.Error()] {
			t.Fatalf("duplicate sentinel message: %s", e.Error())
		}
		seen[e.Error()] = true
	}
}
