// Package modbus implements the Modbus TCP/RTU tool backend on top of
// goburrow/modbus. Each call dials its own connection, so the backend is
// safe for concurrent use.
package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/goburrow/modbus"
	"github.com/harun/toolengine/internal/observability"
	"github.com/harun/toolengine/pkg/toolexecutor"
)

const (
	OpRead  = "read"
	OpWrite = "write"

	PermRead  = "modbus:read"
	PermWrite = "modbus:write"

	TransportTCP = "tcp"
	TransportRTU = "rtu"

	// Protocol limits for holding register function codes 0x03 and 0x10.
	MaxReadQuantity  = 125
	MaxWriteQuantity = 123

	DefaultTimeout = 5 * time.Second
)

// Client is the subset of a Modbus client the backend uses.
type Client interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
	Close() error
}

// Dialer opens a connected client for cfg.
type Dialer func(ctx context.Context, cfg toolexecutor.ModbusConfig) (Client, error)

// Backend reads and writes holding registers.
type Backend struct {
	name string
	cfg  toolexecutor.ModbusConfig
	dial Dialer
}

type Option func(*Backend)

// WithDialer replaces the goburrow transport.
func WithDialer(d Dialer) Option {
	return func(b *Backend) { b.dial = d }
}

// New creates a Modbus backend. No connection is made until the first call.
func New(name string, cfg toolexecutor.ModbusConfig, opts ...Option) (*Backend, error) {
	switch cfg.Transport {
	case TransportTCP, TransportRTU:
	default:
		return nil, fmt.Errorf("modbus backend %s: unsupported transport %q", name, cfg.Transport)
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("modbus backend %s: address is required", name)
	}
	b := &Backend{name: name, cfg: cfg, dial: Dial}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Backend) Name() string                { return b.name }
func (b *Backend) Kind() toolexecutor.ToolKind { return toolexecutor.KindModbus }
func (b *Backend) Permissions() []string       { return []string{PermRead} }

func (b *Backend) OperationPermissions(params map[string]interface{}) []string {
	if op, _ := params["operation"].(string); op == OpWrite {
		return []string{PermWrite}
	}
	return nil
}

// DefaultRetryPolicy retries transport failures max_retries times with a
// fixed delay.
func (b *Backend) DefaultRetryPolicy(_ *toolexecutor.Tool) *toolexecutor.RetryConfig {
	return toolexecutor.FixedRetry(
		b.cfg.MaxRetries+1,
		time.Duration(b.cfg.RetryDelayMS)*time.Millisecond,
		toolexecutor.KindNetworkError, toolexecutor.KindTimeout,
	)
}

type params struct {
	Operation string `mapstructure:"operation"`
	Address   int    `mapstructure:"address"`
	Quantity  int    `mapstructure:"quantity"`
	Values    []int  `mapstructure:"values"`
}

func (p *params) op() string {
	if p.Operation == "" {
		return OpRead
	}
	return p.Operation
}

func (b *Backend) Validate(_ *toolexecutor.Tool, raw map[string]interface{}) []toolexecutor.ValidationIssue {
	var p params
	if err := toolexecutor.DecodeParams(raw, &p); err != nil {
		return []toolexecutor.ValidationIssue{{Code: toolexecutor.CodeTypeMismatch, Message: err.Error()}}
	}

	var issues []toolexecutor.ValidationIssue
	outOfRange := func(param string, actual, lo, hi int) {
		issues = append(issues, toolexecutor.ValidationIssue{
			Parameter: param,
			Code:      toolexecutor.CodeOutOfRange,
			Message:   fmt.Sprintf("%s must be within [%d, %d], got %d", param, lo, hi, actual),
			Expected:  fmt.Sprintf("%d..%d", lo, hi),
			Actual:    fmt.Sprint(actual),
		})
	}

	if p.Address < 0 || p.Address > 0xFFFF {
		outOfRange("address", p.Address, 0, 0xFFFF)
	}
	switch p.op() {
	case OpRead:
		if p.Quantity < 1 || p.Quantity > MaxReadQuantity {
			outOfRange("quantity", p.Quantity, 1, MaxReadQuantity)
		} else if p.Address+p.Quantity > 0x10000 {
			outOfRange("quantity", p.Quantity, 1, 0x10000-p.Address)
		}
	case OpWrite:
		if len(p.Values) == 0 || len(p.Values) > MaxWriteQuantity {
			issues = append(issues, toolexecutor.ValidationIssue{
				Parameter: "values",
				Code:      toolexecutor.CodeInvalidLength,
				Message:   fmt.Sprintf("write needs 1 to %d values, got %d", MaxWriteQuantity, len(p.Values)),
			})
		}
		for i, v := range p.Values {
			if v < 0 || v > 0xFFFF {
				outOfRange(fmt.Sprintf("values[%d]", i), v, 0, 0xFFFF)
			}
		}
	default:
		issues = append(issues, toolexecutor.ValidationIssue{
			Parameter: "operation",
			Code:      toolexecutor.CodeInvalidEnum,
			Message:   fmt.Sprintf("unsupported operation %q", p.Operation),
			Expected:  OpRead + "|" + OpWrite,
			Actual:    p.Operation,
		})
	}
	return issues
}

func (b *Backend) Execute(ctx context.Context, call *toolexecutor.Call) (*toolexecutor.ExecutionOutput, error) {
	var p params
	if err := call.Decode(&p); err != nil {
		return nil, err
	}

	client, err := b.dial(ctx, b.cfg)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, toolexecutor.WrapError(toolexecutor.KindNetworkError, err, "connect %s %s", b.cfg.Transport, b.cfg.Address)
	}
	defer client.Close()

	address := uint16(p.Address)
	log := call.Logger.With().Str("transport", b.cfg.Transport).Str("address", b.cfg.Address).Uint16("register", address).Logger()

	switch p.op() {
	case OpWrite:
		payload := make([]byte, 2*len(p.Values))
		for i, v := range p.Values {
			binary.BigEndian.PutUint16(payload[2*i:], uint16(v))
		}
		if _, err := b.await(ctx, client, func() ([]byte, error) {
			return client.WriteMultipleRegisters(address, uint16(len(p.Values)), payload)
		}); err != nil {
			return nil, err
		}
		if err := b.record(call, len(payload), "sent"); err != nil {
			return nil, err
		}
		log.Debug().Int("quantity", len(p.Values)).Msg("Wrote holding registers")
		return toolexecutor.JSONOutput(map[string]interface{}{
			"address": p.Address,
			"written": len(p.Values),
		}), nil

	default:
		data, err := b.await(ctx, client, func() ([]byte, error) {
			return client.ReadHoldingRegisters(address, uint16(p.Quantity))
		})
		if err != nil {
			return nil, err
		}
		if len(data) != 2*p.Quantity {
			return nil, toolexecutor.NewError(toolexecutor.KindExecutionFailed,
				"device returned %d bytes for %d registers", len(data), p.Quantity)
		}
		registers := make([]int, p.Quantity)
		for i := range registers {
			registers[i] = int(binary.BigEndian.Uint16(data[2*i:]))
		}
		if err := b.record(call, len(data), "received"); err != nil {
			return nil, err
		}
		log.Debug().Int("quantity", p.Quantity).Msg("Read holding registers")
		return toolexecutor.JSONOutput(map[string]interface{}{
			"address":   p.Address,
			"quantity":  p.Quantity,
			"registers": registers,
		}), nil
	}
}

// await runs a blocking transaction and abandons it when ctx ends. The
// client is closed on abandonment, which unblocks the transaction.
func (b *Backend) await(ctx context.Context, client Client, fn func() ([]byte, error)) ([]byte, error) {
	type reply struct {
		data []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		data, err := fn()
		done <- reply{data, err}
	}()

	select {
	case <-ctx.Done():
		_ = client.Close()
		<-done
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, b.classify(r.err)
		}
		return r.data, nil
	}
}

// classify maps Modbus exceptions to ExecutionFailed and everything else to
// a retryable transport error.
func (b *Backend) classify(err error) error {
	var exception *modbus.ModbusError
	if errors.As(err, &exception) {
		return &toolexecutor.ExecutorError{
			Kind:    toolexecutor.KindExecutionFailed,
			Message: fmt.Sprintf("device at %s rejected the request", b.cfg.Address),
			Details: map[string]interface{}{
				"function_code":  exception.FunctionCode,
				"exception_code": exception.ExceptionCode,
			},
			Cause: err,
		}
	}
	if toolexecutor.KindOf(err) == toolexecutor.KindTimeout {
		return toolexecutor.WrapError(toolexecutor.KindTimeout, err, "modbus %s", b.cfg.Address)
	}
	return toolexecutor.WrapError(toolexecutor.KindNetworkError, err, "modbus %s", b.cfg.Address)
}

func (b *Backend) record(call *toolexecutor.Call, n int, direction string) error {
	observability.RecordBackendBytes(call.Tool.ID, direction, int64(n))
	return call.Usage.RecordNetwork(int64(n))
}

type handlerClient struct {
	modbus.Client
	handler interface{ Close() error }
}

func (c *handlerClient) Close() error { return c.handler.Close() }

// Dial connects with goburrow/modbus over the configured transport.
func Dial(ctx context.Context, cfg toolexecutor.ModbusConfig) (Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := DefaultTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	switch cfg.Transport {
	case TransportRTU:
		handler := modbus.NewRTUClientHandler(cfg.Address)
		handler.SlaveId = cfg.SlaveID
		handler.Timeout = timeout
		if cfg.BaudRate > 0 {
			handler.BaudRate = cfg.BaudRate
		}
		if cfg.DataBits > 0 {
			handler.DataBits = cfg.DataBits
		}
		if cfg.Parity != "" {
			handler.Parity = cfg.Parity
		}
		if cfg.StopBits > 0 {
			handler.StopBits = cfg.StopBits
		}
		if err := handler.Connect(); err != nil {
			return nil, err
		}
		return &handlerClient{Client: modbus.NewClient(handler), handler: handler}, nil
	default:
		handler := modbus.NewTCPClientHandler(cfg.Address)
		handler.SlaveId = cfg.SlaveID
		handler.Timeout = timeout
		if err := handler.Connect(); err != nil {
			return nil, err
		}
		return &handlerClient{Client: modbus.NewClient(handler), handler: handler}, nil
	}
}
