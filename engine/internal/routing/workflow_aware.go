package routing

import "github.com/vllm-router/core/engine/internal/domain"

// WorkflowAware binds a workflow to the first endpoint its initial request
// resolves to (via the workflow manager's compare-and-set AssignIfAbsent)
// and sticks every subsequent request in that workflow to the same
// endpoint, falling back to Inner's own choice when there is no workflow id
// or no workflow manager configured.
type WorkflowAware struct {
	Inner Strategy
}

// NewWorkflowAware wraps inner (typically KVAware) with workflow binding.
func NewWorkflowAware(inner Strategy) *WorkflowAware {
	return &WorkflowAware{Inner: inner}
}

func (w *WorkflowAware) Name() string { return "workflow_aware" }

func (w *WorkflowAware) Route(req Request, rc Context) (string, error) {
	if req.WorkflowID == "" || rc.Workflows == nil {
		return w.Inner.Route(req, rc)
	}
	rc.Workflows.GetOrCreate(req.WorkflowID, req.AgentID)

	if ctx, ok := rc.Workflows.Get(req.WorkflowID); ok && ctx.BoundEndpoint != "" {
		if endpointStillServes(rc.Endpoints, ctx.BoundEndpoint, req.Model) {
			return ctx.BoundEndpoint, nil
		}
	}

	chosen, err := w.Inner.Route(req, rc)
	if err != nil {
		return "", err
	}
	stillServes := func(bound string) bool { return endpointStillServes(rc.Endpoints, bound, req.Model) }
	return rc.Workflows.AssignIfAbsent(req.WorkflowID, chosen, stillServes), nil
}

func endpointStillServes(endpoints []domain.Endpoint, url, model string) bool {
	for _, e := range endpoints {
		if e.URL == url {
			return model == "" || e.HasModel(model)
		}
	}
	return false
}

var _ Strategy = (*WorkflowAware)(nil)
