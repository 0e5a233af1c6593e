package manifest

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	data := []byte(`# web framework
fastapi==0.110.0
uvicorn[standard]>=0.27,<0.30
jinja2~=3.1  # templating
sqlmodel
--no-binary :all:
pydantic==2.6.1 ; python_version >= "3.8"
`)

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}

	if len(m.Requirements) != 5 {
		t.Fatalf("expected 5 requirements, got %d: %#v", len(m.Requirements), m.Requirements)
	}

	first := m.Requirements[0]
	if first.Name != "fastapi" || first.Version != "0.110.0" || first.Line != 2 {
		t.Fatalf("unexpected first requirement: %#v", first)
	}

	// Extras stay on the name, range base version kept
	uvicorn := m.Requirements[1]
	if uvicorn.Name != "uvicorn[standard]" || uvicorn.Version != "0.27" {
		t.Fatalf("unexpected uvicorn requirement: %#v", uvicorn)
	}

	bare := m.Requirements[3]
	if bare.Name != "sqlmodel" || bare.Version != "" {
		t.Fatalf("unexpected bare requirement: %#v", bare)
	}

	// Environment marker stripped
	pydantic := m.Requirements[4]
	if pydantic.Name != "pydantic" || pydantic.Version != "2.6.1" {
		t.Fatalf("unexpected pydantic requirement: %#v", pydantic)
	}
}

func TestParseEmpty(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		[]byte(""),
		[]byte("# only comments\n\n   \n"),
		[]byte("--index-url https://pypi.org/simple\n"),
	} {
		if _, err := Parse(data); !errors.Is(err, ErrEmpty) {
			t.Fatalf("expected ErrEmpty for %q, got %v", data, err)
		}
	}
}

func TestPinned(t *testing.T) {
	m, err := Parse([]byte("fastapi==0.110.0\nhttpx>=0.25\nstarlette\n"))
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}

	pinned := m.Pinned()
	if len(pinned) != 1 || pinned[0].Name != "fastapi" {
		t.Fatalf("unexpected pinned set: %#v", pinned)
	}
}
