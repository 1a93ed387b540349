package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/harun/toolengine/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const defaultChunkSize = 4096

var errStreamClosed = errors.New("stream closed")

// chunkSink numbers and forwards chunks of one execution. Writes are
// serialized so sequence order equals delivery order.
type chunkSink struct {
	mu          sync.Mutex
	executionID string
	ch          chan ExecutionChunk
	ctx         context.Context
	seq         uint64
	emittedData bool
	closed      bool
}

func newChunkSink(executionID string, ch chan ExecutionChunk, ctx context.Context) *chunkSink {
	return &chunkSink{executionID: executionID, ch: ch, ctx: ctx}
}

// bind makes pending and future writes stop when ctx is done.
func (s *chunkSink) bind(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
}

func (s *chunkSink) Write(chunk ExecutionChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStreamClosed
	}
	chunk.IsFinal = false
	chunk.Result = nil
	if err := s.sendLocked(s.ctx, chunk); err != nil {
		return err
	}
	if chunk.Kind == ChunkText || chunk.Kind == ChunkBinary {
		s.emittedData = true
	}
	return nil
}

func (s *chunkSink) sendLocked(ctx context.Context, chunk ExecutionChunk) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	s.seq++
	chunk.ExecutionID = s.executionID
	chunk.Sequence = s.seq
	chunk.Timestamp = time.Now()

	select {
	case s.ch <- chunk:
		return nil
	case <-ctx.Done():
		s.seq--
		return context.Cause(ctx)
	}
}

// finish delivers buffered output of non-streaming backends, the error
// chunk of a failure and the final chunk, then closes the channel.
func (s *chunkSink) finish(ctx context.Context, result *ToolResult, chunkSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	defer func() {
		s.closed = true
		close(s.ch)
	}()

	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	if out := result.Output; out != nil && !s.emittedData {
		var data []byte
		kind := ChunkText
		switch out.Kind {
		case OutputText:
			data = []byte(out.Text)
		case OutputJSON:
			data, _ = json.Marshal(out.JSON)
		case OutputBinary:
			data = out.Binary
			kind = ChunkBinary
		}
		for start := 0; start < len(data); start += chunkSize {
			end := min(start+chunkSize, len(data))
			chunk := ExecutionChunk{Kind: kind}
			if kind == ChunkBinary {
				chunk.Binary = data[start:end]
			} else {
				chunk.Text = string(data[start:end])
			}
			if err := s.sendLocked(ctx, chunk); err != nil {
				return
			}
		}
	}

	if result.Output != nil && result.Output.Kind == OutputError {
		if err := s.sendLocked(ctx, ExecutionChunk{Kind: ChunkError, Error: result.Output.Error}); err != nil {
			return
		}
	}

	final := ProgressChunk(100, string(result.Status))
	final.IsFinal = true
	final.Result = result
	_ = s.sendLocked(ctx, final)
}

// ExecuteStreaming runs a request and streams its chunks. Preflight
// failures (unknown tool, invalid parameters, permission) are returned
// directly. The first chunk reports progress "started"; the last one has
// IsFinal set and carries the terminal ToolResult. The channel is closed
// after the final chunk. Consumers that stop reading must cancel ctx.
func (te *ToolExecutor) ExecuteStreaming(ctx context.Context, req *ExecutionRequest) (<-chan ExecutionChunk, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil {
		return nil, NewError(KindInvalidParameters, "request is nil")
	}
	if req.ExecutionID == "" {
		req.ExecutionID = tracing.NewExecutionID()
	}

	ctx = tracing.NewExecutionContext(ctx, req.ExecutionID, req.ToolID, req.Context.AgentID, req.Context.SessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "toolexecutor.execute_streaming", attribute.String("tool.id", req.ToolID))

	_, started, err := te.begin(ctx, req)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}

	ch := make(chan ExecutionChunk, te.streamBuffer)
	sink := newChunkSink(req.ExecutionID, ch, ctx)
	_ = sink.Write(ProgressChunk(0, "started"))

	go func() {
		result, runErr := te.run(ctx, started.record, req, started.prepared, sink)
		sink.finish(ctx, result, req.Options.Output.ChunkSize)
		tracing.EndSpan(span, runErr)
	}()

	return ch, nil
}
