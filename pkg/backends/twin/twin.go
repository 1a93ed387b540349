// Package twin implements the digital twin query backend. Queries are
// read-only and go through a Store.
package twin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/toolengine/pkg/toolexecutor"
)

const (
	QueryProperties = "properties"
	QuerySensorData = "sensor_data"
	QueryState      = "state"

	PermRead = "twin:read"

	DefaultLimit = 100
	MaxLimit     = 10000
)

var queries = []string{QueryProperties, QuerySensorData, QueryState}

// Backend answers queries about one twin.
type Backend struct {
	name   string
	twinID string
	store  Store
}

func New(name string, cfg toolexecutor.TwinQueryConfig, store Store) (*Backend, error) {
	if cfg.TwinID == "" {
		return nil, fmt.Errorf("twin backend %s: twin_id is required", name)
	}
	if store == nil {
		return nil, fmt.Errorf("twin backend %s: no store configured", name)
	}
	return &Backend{name: name, twinID: cfg.TwinID, store: store}, nil
}

func (b *Backend) Name() string                { return b.name }
func (b *Backend) Kind() toolexecutor.ToolKind { return toolexecutor.KindTwinQuery }
func (b *Backend) Permissions() []string       { return []string{PermRead} }

type params struct {
	Query      string `mapstructure:"query"`
	SensorType string `mapstructure:"sensor_type"`
	Limit      *int   `mapstructure:"limit"`
}

func (b *Backend) Validate(_ *toolexecutor.Tool, raw map[string]interface{}) []toolexecutor.ValidationIssue {
	var p params
	if err := toolexecutor.DecodeParams(raw, &p); err != nil {
		return []toolexecutor.ValidationIssue{{Code: toolexecutor.CodeTypeMismatch, Message: err.Error()}}
	}

	var issues []toolexecutor.ValidationIssue
	known := false
	for _, q := range queries {
		known = known || q == p.Query
	}
	if !known {
		issues = append(issues, toolexecutor.ValidationIssue{
			Parameter: "query",
			Code:      toolexecutor.CodeInvalidEnum,
			Message:   fmt.Sprintf("unsupported query %q", p.Query),
			Expected:  strings.Join(queries, "|"),
			Actual:    p.Query,
		})
	}
	if p.Limit != nil && (*p.Limit < 1 || *p.Limit > MaxLimit) {
		issues = append(issues, toolexecutor.ValidationIssue{
			Parameter: "limit",
			Code:      toolexecutor.CodeOutOfRange,
			Message:   fmt.Sprintf("limit must be within [1, %d]", MaxLimit),
			Actual:    fmt.Sprint(*p.Limit),
		})
	}
	return issues
}

func (b *Backend) Execute(ctx context.Context, call *toolexecutor.Call) (*toolexecutor.ExecutionOutput, error) {
	var p params
	if err := call.Decode(&p); err != nil {
		return nil, err
	}

	switch p.Query {
	case QueryProperties:
		props, err := b.store.Properties(ctx, b.twinID)
		if err != nil {
			return nil, b.storeError(ctx, err)
		}
		return toolexecutor.JSONOutput(map[string]interface{}{
			"twin_id":    b.twinID,
			"properties": props,
		}), nil

	case QuerySensorData:
		limit := DefaultLimit
		if p.Limit != nil {
			limit = *p.Limit
		}
		readings, err := b.store.SensorData(ctx, b.twinID, SensorQuery{SensorType: p.SensorType, Limit: limit})
		if err != nil {
			return nil, b.storeError(ctx, err)
		}
		out := make([]map[string]interface{}, len(readings))
		for i, r := range readings {
			out[i] = map[string]interface{}{
				"sensor_id":   r.SensorID,
				"sensor_type": r.SensorType,
				"value":       r.Value,
				"unit":        r.Unit,
				"timestamp":   r.Timestamp.UTC().Format(time.RFC3339Nano),
			}
		}
		call.Logger.Debug().Str("twin_id", b.twinID).Str("sensor_type", p.SensorType).Int("readings", len(out)).Msg("Queried sensor data")
		return toolexecutor.JSONOutput(map[string]interface{}{
			"twin_id":  b.twinID,
			"count":    len(out),
			"readings": out,
		}), nil

	case QueryState:
		state, err := b.store.State(ctx, b.twinID)
		if err != nil {
			return nil, b.storeError(ctx, err)
		}
		return toolexecutor.JSONOutput(map[string]interface{}{
			"twin_id":    b.twinID,
			"status":     state.Status,
			"values":     state.Values,
			"updated_at": state.UpdatedAt.UTC().Format(time.RFC3339Nano),
		}), nil

	default:
		return nil, toolexecutor.NewError(toolexecutor.KindInvalidParameters, "unsupported query %q", p.Query)
	}
}

func (b *Backend) storeError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, ErrTwinNotFound) {
		return &toolexecutor.ExecutorError{
			Kind:    toolexecutor.KindExecutionFailed,
			Message: fmt.Sprintf("twin %s does not exist", b.twinID),
			Details: map[string]interface{}{"twin_id": b.twinID},
			Cause:   err,
		}
	}
	return toolexecutor.WrapError(toolexecutor.KindExecutionFailed, err, "query twin %s", b.twinID)
}
