package capability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `capabilities:
  - name: sentiment
    command: ["./bin/sentiment", "--json"]
    estimated_duration: 250ms
    equivalents: [sentiment-lite]
    idempotent: true
    env:
      MODEL: small
  - name: sentiment-lite
    kind: command
    command: ["./bin/sentiment-lite"]
`

func writeCatalog(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "capabilities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadCatalog(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), sampleCatalog)

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, cat.Capabilities, 2)

	first := cat.Capabilities[0]
	assert.Equal(t, "sentiment", first.Name)
	assert.Equal(t, 250*time.Millisecond, first.EstimatedDuration)
	assert.Equal(t, []string{"sentiment-lite"}, first.Equivalents)
	assert.True(t, first.Idempotent)
	assert.Equal(t, "small", first.Env["MODEL"])
	assert.True(t, filepath.IsAbs(cat.Path))
}

func TestLoadCatalogRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing name", "capabilities:\n  - command: [x]\n"},
		{"missing command", "capabilities:\n  - name: a\n"},
		{"unknown kind", "capabilities:\n  - name: a\n    kind: plugin\n    command: [x]\n"},
		{"duplicate", "capabilities:\n  - name: a\n    command: [x]\n  - name: a\n    command: [y]\n"},
		{"not yaml", "capabilities: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCatalog(writeCatalog(t, t.TempDir(), tt.body))
			assert.Error(t, err)
		})
	}
}

func TestCatalogApplyReplacesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{Name: "builtin"}, okExecutor(`1`)))

	cat, err := LoadCatalog(writeCatalog(t, dir, sampleCatalog))
	require.NoError(t, err)
	removed := cat.Apply(reg, &fakeRunner{})
	assert.Empty(t, removed)
	assert.Equal(t, []string{"builtin", "sentiment", "sentiment-lite"}, reg.Names())
	assert.Equal(t, []string{"sentiment-lite"}, reg.Equivalents("sentiment"))

	cat, err = LoadCatalog(writeCatalog(t, dir, "capabilities:\n  - name: sentiment\n    command: [s]\n    estimated_duration: 1s\n"))
	require.NoError(t, err)
	removed = cat.Apply(reg, &fakeRunner{})
	assert.Equal(t, []string{"sentiment-lite"}, removed)
	assert.Equal(t, []string{"builtin", "sentiment"}, reg.Names())

	spec, _ := reg.Spec("sentiment")
	assert.Equal(t, time.Second, spec.EstimatedDuration)
}

func TestWatchCatalogReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, sampleCatalog)
	reg := NewRegistry()
	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	cat.Apply(reg, &fakeRunner{})

	reloaded := make(chan error, 8)
	w, err := WatchCatalog(path, reg, &fakeRunner{}, func(err error) { reloaded <- err })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("capabilities:\n  - name: translate\n    command: [t]\n"), 0644))

	deadline := time.After(5 * time.Second)
	for !reg.Has("translate") {
		select {
		case <-reloaded:
		case <-deadline:
			t.Fatal("catalog was not reloaded")
		}
	}
	assert.False(t, reg.Has("sentiment"))
}
