package toolexecutor

import "time"

// ChunkKind tags the payload carried by an ExecutionChunk.
type ChunkKind string

const (
	ChunkText     ChunkKind = "text"
	ChunkBinary   ChunkKind = "binary"
	ChunkProgress ChunkKind = "progress"
	ChunkLog      ChunkKind = "log"
	ChunkMetric   ChunkKind = "metric"
	ChunkError    ChunkKind = "error"
)

type ProgressPayload struct {
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message,omitempty"`
}

type LogPayload struct {
	Level   DiagnosticLevel `json:"level"`
	Message string          `json:"message"`
}

type MetricPayload struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// ExecutionChunk is one unit of streamed output. Sequence starts at 1 and
// increases by one per chunk of the same execution; the last chunk has
// IsFinal set and carries the terminal result.
type ExecutionChunk struct {
	ExecutionID string           `json:"execution_id"`
	Sequence    uint64           `json:"sequence"`
	Kind        ChunkKind        `json:"kind"`
	Text        string           `json:"text,omitempty"`
	Binary      []byte           `json:"binary,omitempty"`
	Progress    *ProgressPayload `json:"progress,omitempty"`
	Log         *LogPayload      `json:"log,omitempty"`
	Metric      *MetricPayload   `json:"metric,omitempty"`
	Error       *ErrorOutput     `json:"error,omitempty"`
	IsFinal     bool             `json:"is_final"`
	Timestamp   time.Time        `json:"timestamp"`
	Result      *ToolResult      `json:"result,omitempty"`
}

func TextChunk(text string) ExecutionChunk {
	return ExecutionChunk{Kind: ChunkText, Text: text}
}

func BinaryChunk(data []byte) ExecutionChunk {
	return ExecutionChunk{Kind: ChunkBinary, Binary: data}
}

func ProgressChunk(percentage float64, message string) ExecutionChunk {
	return ExecutionChunk{Kind: ChunkProgress, Progress: &ProgressPayload{Percentage: percentage, Message: message}}
}

func LogChunk(level DiagnosticLevel, message string) ExecutionChunk {
	return ExecutionChunk{Kind: ChunkLog, Log: &LogPayload{Level: level, Message: message}}
}

func MetricChunk(name string, value float64, unit string) ExecutionChunk {
	return ExecutionChunk{Kind: ChunkMetric, Metric: &MetricPayload{Name: name, Value: value, Unit: unit}}
}

// ChunkWriter receives partial output from a streaming backend. The engine
// assigns execution id, sequence and timestamp. Write fails once the
// execution is cancelled.
type ChunkWriter interface {
	Write(chunk ExecutionChunk) error
}
