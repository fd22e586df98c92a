// Package discovery implements the three service discovery variants of
// spec component C3. Each variant is a Source that periodically (or
// event-drivenly) produces a full endpoint set; the caller feeds every
// produced set straight into registry.Registry.Replace.
package discovery

import (
	"context"

	"github.com/vllm-router/core/engine/internal/domain"
)

// Source is the common interface for all discovery variants. Run returns
// immediately with a channel that delivers every new endpoint set until ctx
// is cancelled, at which point the channel is closed.
type Source interface {
	Run(ctx context.Context) <-chan []domain.Endpoint
}

func toModelSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func toTagSet(tags ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}
