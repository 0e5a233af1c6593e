package models

import "testing"

func validRecipe() *Recipe {
	return &Recipe{
		Name:           "api",
		BaseImage:      "python:3.13-slim-bullseye",
		SystemPackages: []string{"curl", "git"},
		Launch:         DefaultLaunchConfig(),
	}
}

func TestRecipeValidate(t *testing.T) {
	if err := validRecipe().Validate(); err != nil {
		t.Fatalf("valid recipe rejected: %v", err)
	}

	r := validRecipe()
	r.BaseImage = ""
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for empty base image")
	}

	r = validRecipe()
	r.SystemPackages = []string{"curl", "Bad Name"}
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for invalid package name")
	}

	r = validRecipe()
	r.SystemPackages = []string{"git", "git"}
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for duplicate package")
	}
}

func TestLaunchConfigValidate(t *testing.T) {
	l := DefaultLaunchConfig()
	if err := l.Validate(); err != nil {
		t.Fatalf("default launch config rejected: %v", err)
	}

	l = DefaultLaunchConfig()
	l.Port = 0
	if err := l.Validate(); err == nil {
		t.Fatal("expected error for port 0")
	}

	l = DefaultLaunchConfig()
	l.Port = 70000
	if err := l.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}

	l = DefaultLaunchConfig()
	l.Workers = 0
	if err := l.Validate(); err == nil {
		t.Fatal("expected error for zero workers")
	}
}

func TestEffectiveWorkers(t *testing.T) {
	l := LaunchConfig{Module: "main:app", Host: "0.0.0.0", Port: 8000, Workers: 4}
	if got := l.EffectiveWorkers(); got != 4 {
		t.Fatalf("expected 4 workers, got %d", got)
	}

	// Reload mode is single-worker only
	l.Reload = true
	if got := l.EffectiveWorkers(); got != 1 {
		t.Fatalf("expected 1 worker in reload mode, got %d", got)
	}
}

func TestBuildStatusIsTerminal(t *testing.T) {
	for status, terminal := range map[BuildStatus]bool{
		BuildStatusQueued:    false,
		BuildStatusRunning:   false,
		BuildStatusSucceeded: true,
		BuildStatusFailed:    true,
	} {
		if status.IsTerminal() != terminal {
			t.Fatalf("IsTerminal(%s) = %v, expected %v", status, !terminal, terminal)
		}
	}
}
