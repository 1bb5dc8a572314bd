package main

import (
	"testing"
	"time"
)

func TestStringEnv(t *testing.T) {
	t.Setenv("SKYMIRROR_TEST_STR", "value")
	if got := stringEnv("SKYMIRROR_TEST_STR", "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
	if got := stringEnv("SKYMIRROR_TEST_STR_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestIntEnv(t *testing.T) {
	t.Setenv("SKYMIRROR_TEST_INT", "42")
	if got := intEnv("SKYMIRROR_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("SKYMIRROR_TEST_INT", "not-a-number")
	if got := intEnv("SKYMIRROR_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback on parse failure, got %d", got)
	}
	if got := intEnv("SKYMIRROR_TEST_INT_UNSET", 7); got != 7 {
		t.Fatalf("expected fallback when unset, got %d", got)
	}
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("SKYMIRROR_TEST_BOOL", "true")
	if !boolEnv("SKYMIRROR_TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("SKYMIRROR_TEST_BOOL", "banana")
	if boolEnv("SKYMIRROR_TEST_BOOL", false) {
		t.Fatalf("expected fallback on parse failure")
	}
}

func TestDurationEnv(t *testing.T) {
	t.Setenv("SKYMIRROR_TEST_DUR", "90s")
	if got := durationEnv("SKYMIRROR_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	t.Setenv("SKYMIRROR_TEST_DUR", "soon")
	if got := durationEnv("SKYMIRROR_TEST_DUR", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback on parse failure, got %s", got)
	}
}
