package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllm-router/core/engine/internal/domain"
)

func ep(url, model string, tags ...string) domain.Endpoint {
	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}
	return domain.Endpoint{
		URL:        url,
		ModelLabel: model,
		ModelNames: map[string]struct{}{model: {}},
		Tags:       tagSet,
		AddedAt:    time.Now(),
	}
}

func TestReplaceIsIdempotentByURL(t *testing.T) {
	r := New()
	r.Replace([]domain.Endpoint{ep("http://a", "llama"), ep("http://a", "llama2")})
	snap := r.List()
	require.Len(t, snap.Endpoints, 1)
	assert.Equal(t, "llama2", snap.Endpoints[0].ModelLabel)
}

func TestReplaceNotifiesRemovalObservers(t *testing.T) {
	r := New()
	r.Replace([]domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")})

	var removed []domain.Endpoint
	r.OnRemoval(func(e []domain.Endpoint) { removed = append(removed, e...) })

	r.Replace([]domain.Endpoint{ep("http://a", "llama")})
	require.Len(t, removed, 1)
	assert.Equal(t, "http://b", removed[0].URL)
}

func TestListReturnsImmutableSnapshot(t *testing.T) {
	r := New()
	r.Replace([]domain.Endpoint{ep("http://a", "llama")})
	first := r.List()
	r.Replace([]domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")})
	assert.Len(t, first.Endpoints, 1, "previously obtained snapshot must not mutate")
	assert.Len(t, r.List().Endpoints, 2)
}

func TestFilterByModelAndTag(t *testing.T) {
	snap := domain.Snapshot{Endpoints: []domain.Endpoint{
		ep("http://p1", "llama", "prefill"),
		ep("http://d1", "llama", "decode"),
		ep("http://o1", "other"),
	}}
	filtered := FilterByModel(snap, "llama")
	require.Len(t, filtered, 2)
	prefill := FilterByTag(filtered, "prefill")
	require.Len(t, prefill, 1)
	assert.Equal(t, "http://p1", prefill[0].URL)
}
