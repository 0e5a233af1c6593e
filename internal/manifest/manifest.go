package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// DefaultFilename is the path convention for the dependency manifest inside
// the build context.
const DefaultFilename = "requirements.txt"

var (
	// ErrEmpty is returned when the manifest declares no requirements at all
	ErrEmpty = errors.New("manifest declares no requirements")
)

// Requirement is a single declared dependency. The version is the base pin
// when one is present; the raw specifier line is preserved verbatim for the
// installer, which owns resolution.
type Requirement struct {
	Name    string
	Version string
	Line    int
	Raw     string
}

// Manifest is the parsed view of a requirements file. The pipeline treats
// the content as opaque beyond this syntactic scan: the raw bytes are what
// ship to the installer.
type Manifest struct {
	Requirements []Requirement
	Raw          []byte
}

// Parse scans requirements-file content. It exists for the fail-fast check
// before any install network activity, not for resolution: comments, blank
// lines and pip option lines are skipped, requirement lines are split into
// name and base version.
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{Raw: data}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip comments, empty lines and pip options (-r, --index-url, ...)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}

		// Remove inline comments
		if idx := strings.Index(line, " #"); idx >= 0 {
			line = line[:idx]
		}

		// Remove environment markers (e.g. ; python_version >= "3.6")
		if idx := strings.Index(line, ";"); idx >= 0 {
			line = line[:idx]
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		name, version := splitSpec(line)
		if name == "" {
			return nil, fmt.Errorf("line %d: malformed requirement %q", lineNum, line)
		}

		m.Requirements = append(m.Requirements, Requirement{
			Name:    name,
			Version: version,
			Line:    lineNum,
			Raw:     line,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan manifest: %w", err)
	}

	if len(m.Requirements) == 0 {
		return nil, ErrEmpty
	}

	return m, nil
}

// Pinned returns the requirements that carry an exact version pin.
func (m *Manifest) Pinned() []Requirement {
	var pinned []Requirement
	for _, req := range m.Requirements {
		if req.Version != "" && strings.Contains(req.Raw, "==") {
			pinned = append(pinned, req)
		}
	}
	return pinned
}

// splitSpec splits "package==1.0.0" into ("package", "1.0.0").
func splitSpec(spec string) (string, string) {
	// Try version specifiers in order of specificity
	for _, sep := range []string{"===", "==", "~=", "!=", ">=", "<=", ">", "<"} {
		if idx := strings.Index(spec, sep); idx >= 0 {
			name := strings.TrimSpace(spec[:idx])
			version := strings.TrimSpace(spec[idx+len(sep):])
			// For ranges, take the base version
			if commaIdx := strings.Index(version, ","); commaIdx >= 0 {
				version = version[:commaIdx]
			}
			return name, version
		}
	}
	// Strip extras before giving up on a bare name
	if idx := strings.Index(spec, "["); idx >= 0 {
		return strings.TrimSpace(spec[:idx]), ""
	}
	// No version pinned
	return spec, ""
}
