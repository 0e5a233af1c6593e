package dockerfile

import (
	"strings"
	"testing"

	"imageforge/internal/models"
)

func testRecipe() *models.Recipe {
	return &models.Recipe{
		Name:           "api",
		BaseImage:      "python:3.13-slim-bullseye",
		SystemPackages: []string{"curl", "git"},
		Launch: models.LaunchConfig{
			Module:  "main:app",
			Host:    "0.0.0.0",
			Port:    8000,
			Workers: 4,
		},
	}
}

func TestGenerate(t *testing.T) {
	out, err := Generate(testRecipe())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	for _, want := range []string{
		"FROM python:3.13-slim-bullseye",
		"apt-get install -y --no-install-recommends curl git",
		"rm -rf /var/lib/apt/lists/*",
		"COPY requirements.txt .",
		"pip install --no-cache-dir --upgrade pip",
		"pip install --no-cache-dir -r requirements.txt",
		"EXPOSE 8000",
		`CMD ["uvicorn", "main:app", "--host", "0.0.0.0", "--port", "8000", "--workers", "4"]`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered Dockerfile missing %q:\n%s", want, out)
		}
	}

	// The apt stage must precede the dependency stage, which must precede
	// the code copy
	aptIdx := strings.Index(out, "apt-get update")
	pipIdx := strings.Index(out, "pip install")
	copyIdx := strings.Index(out, "COPY . .")
	if !(aptIdx < pipIdx && pipIdx < copyIdx) {
		t.Fatalf("stage order wrong:\n%s", out)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	a, err := Generate(testRecipe())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := Generate(testRecipe())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a != b {
		t.Fatal("rendering is not deterministic")
	}
}

func TestGenerateNoSystemPackages(t *testing.T) {
	r := testRecipe()
	r.SystemPackages = nil

	out, err := Generate(r)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if strings.Contains(out, "apt-get") {
		t.Fatalf("expected no apt stage:\n%s", out)
	}
}

func TestGenerateInvalidRecipe(t *testing.T) {
	r := testRecipe()
	r.SystemPackages = []string{"cu rl"}
	if _, err := Generate(r); err == nil {
		t.Fatal("expected error for invalid package name")
	}
}

func TestLaunchCommandReload(t *testing.T) {
	launch := &models.LaunchConfig{
		Module:  "main:app",
		Host:    "0.0.0.0",
		Port:    8000,
		Workers: 4,
		Reload:  true,
	}

	cmd := LaunchCommand(launch)
	joined := strings.Join(cmd, " ")
	if !strings.Contains(joined, "--workers 1") {
		t.Fatalf("reload mode must force a single worker: %v", cmd)
	}
	if !strings.Contains(joined, "--reload") {
		t.Fatalf("missing --reload flag: %v", cmd)
	}
}
