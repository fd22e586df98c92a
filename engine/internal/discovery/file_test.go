package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestFileSourceEmitsInitialDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.json")
	writeDoc(t, path, `{"endpoints":[{"url":"http://a","model_label":"llama","model_names":["llama"]}]}`)

	src := NewFileSource(path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := src.Run(ctx)

	select {
	case eps := <-ch:
		require.Len(t, eps, 1)
		assert.Equal(t, "http://a", eps[0].URL)
	case <-time.After(2 * time.Second):
		t.Fatal("expected initial document load")
	}
}

func TestFileSourceReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.json")
	writeDoc(t, path, `{"endpoints":[{"url":"http://a"}]}`)

	src := NewFileSource(path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := src.Run(ctx)

	<-ch // drain initial

	writeDoc(t, path, `{"endpoints":[{"url":"http://a"},{"url":"http://b"}]}`)

	select {
	case eps := <-ch:
		assert.Len(t, eps, 2)
	case <-time.After(3 * time.Second):
		t.Fatal("expected reload after write")
	}
}

func TestFileSourceTriggerForcesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.json")
	writeDoc(t, path, `{"endpoints":[{"url":"http://a"}]}`)

	src := NewFileSource(path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := src.Run(ctx)
	<-ch // drain initial

	src.Trigger()
	select {
	case eps := <-ch:
		assert.Len(t, eps, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("expected reload after explicit trigger")
	}
}
