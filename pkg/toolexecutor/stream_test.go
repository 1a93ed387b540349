package toolexecutor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan ExecutionChunk) []ExecutionChunk {
	var chunks []ExecutionChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func assertSequence(t *testing.T, chunks []ExecutionChunk) {
	t.Helper()
	require.NotEmpty(t, chunks)
	for i, chunk := range chunks {
		assert.Equal(t, uint64(i+1), chunk.Sequence)
		assert.Equal(t, chunks[0].ExecutionID, chunk.ExecutionID)
		assert.Equal(t, i == len(chunks)-1, chunk.IsFinal)
	}
	assert.Equal(t, ChunkProgress, chunks[0].Kind)
	assert.Equal(t, "started", chunks[0].Progress.Message)
}

func TestExecuteStreaming_StreamingBackend(t *testing.T) {
	backend := &streamingBackend{
		fakeBackend: fakeBackend{name: "stream", kind: KindHTTP},
		chunks:      []ExecutionChunk{TextChunk("a"), LogChunk(LevelInfo, "halfway"), TextChunk("b")},
	}
	te := newTestExecutor(t, echoTool("stream"), backend)

	ch, err := te.ExecuteStreaming(context.Background(), echoRequest("stream"))
	require.NoError(t, err)
	chunks := drain(ch)

	assertSequence(t, chunks)
	var texts []string
	for _, chunk := range chunks {
		if chunk.Kind == ChunkText {
			texts = append(texts, chunk.Text)
		}
	}
	assert.Equal(t, []string{"a", "b"}, texts)

	final := chunks[len(chunks)-1]
	require.NotNil(t, final.Result)
	assert.Equal(t, StatusSuccess, final.Result.Status)
	assert.Equal(t, "done", final.Result.Output.Text)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestExecuteStreaming_SplitsBufferedOutput(t *testing.T) {
	te := newTestExecutor(t, echoTool("echo"), &fakeBackend{name: "echo", kind: KindHTTP, execute: func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		return TextOutput("hello"), nil
	}})

	req := echoRequest("echo")
	req.Options.Output.ChunkSize = 2
	ch, err := te.ExecuteStreaming(context.Background(), req)
	require.NoError(t, err)
	chunks := drain(ch)

	assertSequence(t, chunks)
	var texts []string
	for _, chunk := range chunks {
		if chunk.Kind == ChunkText {
			texts = append(texts, chunk.Text)
		}
	}
	assert.Equal(t, []string{"he", "ll", "o"}, texts)
}

func TestExecuteStreaming_FailureEndsWithErrorChunk(t *testing.T) {
	te := newTestExecutor(t, echoTool("echo"), &fakeBackend{name: "echo", kind: KindHTTP, execute: func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		return nil, NewError(KindExecutionFailed, "device fault")
	}})

	ch, err := te.ExecuteStreaming(context.Background(), echoRequest("echo"))
	require.NoError(t, err)
	chunks := drain(ch)

	assertSequence(t, chunks)
	require.GreaterOrEqual(t, len(chunks), 2)
	errChunk := chunks[len(chunks)-2]
	assert.Equal(t, ChunkError, errChunk.Kind)
	assert.Equal(t, string(KindExecutionFailed), errChunk.Error.Code)
	assert.Equal(t, StatusFailed, chunks[len(chunks)-1].Result.Status)
}

func TestExecuteStreaming_PreflightErrorsReturnDirectly(t *testing.T) {
	backend := &fakeBackend{name: "echo", kind: KindHTTP}
	te := newTestExecutor(t, echoTool("echo"), backend)

	req := echoRequest("echo")
	req.Parameters = map[string]interface{}{}
	ch, err := te.ExecuteStreaming(context.Background(), req)
	assert.Nil(t, ch)
	assert.True(t, errors.Is(err, ErrMissingParameter))

	_, err = te.ExecuteStreaming(context.Background(), echoRequest("missing"))
	assert.True(t, errors.Is(err, ErrToolNotFound))
	assert.Equal(t, int32(0), backend.calls.Load())
}
