package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vllm-router/core/engine/internal/domain"
)

// StaticSource is the simplest discovery variant: a fixed CSV list of urls
// paired positionally with a CSV list of model labels, read once at startup.
// It emits a single endpoint set and then the channel stays open but idle
// until ctx is cancelled, matching the other variants' "never returns early"
// contract so callers can select uniformly.
type StaticSource struct {
	URLs        []string
	ModelLabels []string
	Tags        []string

	// entries, when non-nil, overrides URLs/ModelLabels/Tags entirely and
	// supplies one tag set per endpoint. Populated by
	// NewStaticSourceFromSeedFile; the CSV constructor leaves it nil.
	entries []domain.Endpoint
}

// NewStaticSourceFromCSV parses comma-separated urls/models/tags the way the
// CLI flags in spec section 6 describe. tagsCSV applies the same tag set to
// every endpoint; per-endpoint tags are not expressible in the CSV form.
func NewStaticSourceFromCSV(urlsCSV, modelsCSV, tagsCSV string) *StaticSource {
	return &StaticSource{
		URLs:        splitCSV(urlsCSV),
		ModelLabels: splitCSV(modelsCSV),
		Tags:        splitCSV(tagsCSV),
	}
}

// seedFile is the on-disk shape of a --static-seed-file document: a plain
// list of endpoints, each with its own tags, instead of the CSV form's one
// tag set applied uniformly. This is the richer of the two static forms and
// exists for deployments that check a seed list into source control.
type seedFile struct {
	Endpoints []seedEndpoint `yaml:"endpoints"`
}

type seedEndpoint struct {
	URL   string   `yaml:"url"`
	Model string   `yaml:"model"`
	Tags  []string `yaml:"tags"`
}

// NewStaticSourceFromSeedFile loads a YAML seed list. Unlike the CSV
// constructor, each endpoint carries its own tag set.
func NewStaticSourceFromSeedFile(path string) (*StaticSource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	var doc seedFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	s := &StaticSource{entries: make([]domain.Endpoint, 0, len(doc.Endpoints))}
	for _, e := range doc.Endpoints {
		s.entries = append(s.entries, domain.Endpoint{
			URL:        e.URL,
			ModelLabel: e.Model,
			ModelNames: toModelSet(e.Model),
			Tags:       toTagSet(e.Tags...),
		})
	}
	return s, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *StaticSource) endpoints(now time.Time) []domain.Endpoint {
	if s.entries != nil {
		out := make([]domain.Endpoint, len(s.entries))
		for i, e := range s.entries {
			e.AddedAt = now
			out[i] = e
		}
		return out
	}

	tags := toTagSet(s.Tags...)
	out := make([]domain.Endpoint, 0, len(s.URLs))
	for i, url := range s.URLs {
		model := ""
		if i < len(s.ModelLabels) {
			model = s.ModelLabels[i]
		}
		out = append(out, domain.Endpoint{
			URL:        url,
			ModelLabel: model,
			ModelNames: toModelSet(model),
			Tags:       tags,
			AddedAt:    now,
		})
	}
	return out
}

// Run emits the static set once and then blocks until ctx is cancelled.
func (s *StaticSource) Run(ctx context.Context) <-chan []domain.Endpoint {
	out := make(chan []domain.Endpoint, 1)
	out <- s.endpoints(time.Now())
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}
