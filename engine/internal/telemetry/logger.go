// Package telemetry builds the router's structured logger. The teacher
// repo logs through the standard library; this router adopts zap instead,
// following the same shape two other services in this retrieval pack use
// for comparable request-routing workloads (see DESIGN.md).
package telemetry

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger's verbosity and encoding.
type Config struct {
	Level      string // debug|info|warn|error
	JSON       bool
	Production bool
}

// Defaults returns a JSON, info-level, production logger configuration.
func Defaults() Config {
	return Config{Level: "info", JSON: true, Production: true}
}

// New builds a zap.Logger from cfg. Parsing a bad level string falls back
// to info rather than failing startup over a typo'd flag.
func New(cfg Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Production {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if !cfg.JSON {
		zcfg.Encoding = "console"
	}
	return zcfg.Build()
}

// FieldsForEndpoint is a small helper so every subsystem logs the same
// field name for an endpoint url instead of drifting between "url",
// "endpoint", and "target".
func FieldsForEndpoint(url string) []zap.Field {
	return []zap.Field{zap.String("endpoint", url)}
}

// FieldsForWorkflow is the equivalent helper for workflow/agent ids.
func FieldsForWorkflow(workflowID, agentID string) []zap.Field {
	fields := []zap.Field{zap.String("workflow_id", workflowID)}
	if agentID != "" {
		fields = append(fields, zap.String("agent_id", agentID))
	}
	return fields
}
