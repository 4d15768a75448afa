package usecase

import "testing"

func TestNormalizeSeverity(t *testing.T) {
	cases := map[string]string{
		"Critical":  "critical",
		"CRIT":      "critical",
		"high":      "high",
		"HI":        "high",
		"Medium":    "medium",
		"med ":      "medium",
		"low":       "low",
		"LO":        "low",
		"info":      "info",
		"":          "info",
		"unknown":   "info",
		" high ":    "high",
	}
	for raw, want := range cases {
		if got := NormalizeSeverity(raw); got != want {
			t.Errorf("NormalizeSeverity(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestNormalizeSeverityIdempotent(t *testing.T) {
	for _, v := range []string{"critical", "high", "medium", "low", "info"} {
		if got := NormalizeSeverity(v); got != v {
			t.Errorf("NormalizeSeverity(%q) = %q, want idempotent %q", v, got, v)
		}
	}
}
