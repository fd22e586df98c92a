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

func TestStaticSourceEmitsOnceThenBlocksUntilCancel(t *testing.T) {
	s := NewStaticSourceFromCSV("http://a,http://b", "llama,mistral", "prefill")
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Run(ctx)

	select {
	case eps := <-ch:
		require.Len(t, eps, 2)
		assert.Equal(t, "http://a", eps[0].URL)
		assert.Equal(t, "llama", eps[0].ModelLabel)
		assert.True(t, eps[0].HasTag("prefill"))
		assert.Equal(t, "mistral", eps[1].ModelLabel)
	case <-time.After(time.Second):
		t.Fatal("expected initial endpoint set")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must close after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

func TestStaticSourceToleratesMismatchedModelCount(t *testing.T) {
	s := NewStaticSourceFromCSV("http://a,http://b", "llama", "")
	eps := s.endpoints(time.Now())
	require.Len(t, eps, 2)
	assert.Equal(t, "llama", eps[0].ModelLabel)
	assert.Equal(t, "", eps[1].ModelLabel)
}

func TestSplitCSVTrimsAndDropsEmpty(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a , b ,"))
	assert.Nil(t, splitCSV(""))
}

func TestStaticSourceFromSeedFileCarriesPerEndpointTags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	doc := `
endpoints:
  - url: http://a
    model: llama
    tags: [prefill]
  - url: http://b
    model: llama
    tags: [decode, gpu]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := NewStaticSourceFromSeedFile(path)
	require.NoError(t, err)

	eps := s.endpoints(time.Now())
	require.Len(t, eps, 2)
	assert.Equal(t, "http://a", eps[0].URL)
	assert.True(t, eps[0].HasTag("prefill"))
	assert.False(t, eps[0].HasTag("decode"))
	assert.True(t, eps[1].HasTag("decode"))
	assert.True(t, eps[1].HasTag("gpu"))
}

func TestStaticSourceFromSeedFileErrorsOnMissingFile(t *testing.T) {
	_, err := NewStaticSourceFromSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
