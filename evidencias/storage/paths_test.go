package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSegment(t *testing.T) {
	assert.Equal(t, "Enfermería", SanitizeSegment("  Enfermería "))
	assert.Equal(t, "a-b", SanitizeSegment("a/b"))
	assert.Equal(t, "a-b", SanitizeSegment("a\\b"))
	assert.Equal(t, "V. INVESTIGACIÓN, CREACIÓN Y-O INNOVACIÓN", SanitizeSegment("V. INVESTIGACIÓN, CREACIÓN Y/O INNOVACIÓN"))
	assert.Equal(t, "", SanitizeSegment(".."))
	assert.Equal(t, "", SanitizeSegment("."))
	assert.Equal(t, "", SanitizeSegment(" .. "))
}

func TestObjectPathCannotEscapeBase(t *testing.T) {
	// A hostile program or filename must never introduce a '..' level.
	assert.Equal(t, "dim/crit/file.pdf", ObjectPath("..", "dim", "crit", "file.pdf"))
	assert.Equal(t, "prog/dim/crit", ObjectPath("prog", "dim", "crit", ".."))
	assert.Equal(t, "prog/dim/crit/..-file.pdf", ObjectPath("prog", "dim", "crit", "../file.pdf"))
}

func TestObjectPath(t *testing.T) {
	path := ObjectPath("Enfermería", "I. Docencia", "Criterio 1. Modelo", "informe.pdf")
	assert.Equal(t, "Enfermería/I. Docencia/Criterio 1. Modelo/informe.pdf", path)

	path = ObjectPath("a/b", "c", "d", "e/f.pdf")
	assert.Equal(t, "a-b/c/d/e-f.pdf", path)

	// Files without a classification land directly under the program.
	path = ObjectPath("Enfermería", "", "", "informe.pdf")
	assert.Equal(t, "Enfermería/informe.pdf", path)
}

func TestResolveRemoteURL(t *testing.T) {
	tests := []struct {
		url  string
		path string
	}{
		{"https://storage.googleapis.com/bucket/program/dim/crit/file.pdf", "program/dim/crit/file.pdf"},
		{"https://storage.cloud.google.com/bucket/program/file.pdf", "program/file.pdf"},
		{"https://bucket.storage.googleapis.com/program/file.pdf", "program/file.pdf"},
		{"https://s3.us-east-1.amazonaws.com/bucket/program/file.pdf", "program/file.pdf"},
		{"https://bucket.s3.us-east-1.amazonaws.com/program/file.pdf", "program/file.pdf"},
		{"https://res.cloudinary.com/demo/raw/upload/v1722470400/evidencias/file.pdf", "evidencias/file.pdf"},
		{"https://storage.googleapis.com/bucket/Enfermer%C3%ADa/file.pdf", "Enfermería/file.pdf"},
		{"https://www.googleapis.com/storage/v1/b/bucket/o/program%2Ffile.pdf", "program/file.pdf"},
	}

	for _, tc := range tests {
		path, err := ResolveRemoteURL(tc.url)
		require.NoError(t, err, tc.url)
		assert.Equal(t, tc.path, path, tc.url)
	}
}

func TestResolveRemoteURLErrors(t *testing.T) {
	for _, raw := range []string{
		"https://storage.googleapis.com/bucket",
		"https://unknown-host.example.com/a/b.pdf",
		"https://storage.googleapis.com/bucket/../../etc/passwd",
		"https://storage.googleapis.com/bucket/a/%2E%2E/b.pdf",
	} {
		_, err := ResolveRemoteURL(raw)
		assert.Error(t, err, raw)
	}
}
