package dockerfile

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"imageforge/internal/manifest"
	"imageforge/internal/models"
)

// dockerfileTemplate renders the staged build recipe. Stage order is fixed:
// base floor, system packages, dependency manifest, application code, launch
// command. The apt stage installs without recommended extras and purges the
// index cache so the layer carries no stale package-manager metadata.
const dockerfileTemplate = `FROM {{ .BaseImage }}

WORKDIR /app
{{ if .SystemPackages }}
RUN apt-get update && \
    apt-get install -y --no-install-recommends {{ join .SystemPackages " " }} && \
    apt-get clean && \
    rm -rf /var/lib/apt/lists/*
{{ end }}
COPY {{ .ManifestFile }} .
RUN pip install --no-cache-dir --upgrade pip && \
    pip install --no-cache-dir -r {{ .ManifestFile }}

COPY . .

EXPOSE {{ .Port }}

CMD [{{ .Command }}]
`

var tmpl = template.Must(template.New("dockerfile").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(dockerfileTemplate))

type templateData struct {
	BaseImage      string
	SystemPackages []string
	ManifestFile   string
	Port           int
	Command        string
}

// Generate renders the Dockerfile for a recipe. Rendering is a pure
// function of the recipe, so repeated builds of the same recipe produce an
// identical descriptor.
func Generate(recipe *models.Recipe) (string, error) {
	if err := recipe.Validate(); err != nil {
		return "", fmt.Errorf("invalid recipe: %w", err)
	}

	var sb strings.Builder
	err := tmpl.Execute(&sb, templateData{
		BaseImage:      recipe.BaseImage,
		SystemPackages: recipe.SystemPackages,
		ManifestFile:   manifest.DefaultFilename,
		Port:           recipe.Launch.Port,
		Command:        jsonCommand(LaunchCommand(&recipe.Launch)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render Dockerfile: %w", err)
	}

	return sb.String(), nil
}

// LaunchCommand builds the serving process argv for a launch configuration.
// Reload mode is single-worker only; EffectiveWorkers enforces that.
func LaunchCommand(launch *models.LaunchConfig) []string {
	cmd := []string{
		"uvicorn", launch.Module,
		"--host", launch.Host,
		"--port", strconv.Itoa(launch.Port),
		"--workers", strconv.Itoa(launch.EffectiveWorkers()),
	}
	if launch.Reload {
		cmd = append(cmd, "--reload")
	}
	return cmd
}

// jsonCommand formats an argv as a Dockerfile exec-form CMD list body.
func jsonCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = strconv.Quote(arg)
	}
	return strings.Join(quoted, ", ")
}
