// Package file implements the file tool backend: read, write and delete
// confined to a base directory.
package file

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/harun/toolengine/internal/observability"
	"github.com/harun/toolengine/pkg/toolexecutor"
	"github.com/spf13/afero"
)

// Operations.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpDelete = "delete"
)

// Encodings of file content in parameters and output.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// Permissions.
const (
	PermRead  = "file:read"
	PermWrite = "file:write"
)

const readBlockSize = 32 * 1024

// Backend executes file operations inside BaseDir.
type Backend struct {
	name      string
	cfg       toolexecutor.FileConfig
	fs        afero.Fs
	base      string
	allowExts map[string]struct{}
}

var (
	_ toolexecutor.StreamingBackend    = (*Backend)(nil)
	_ toolexecutor.OperationAuthorizer = (*Backend)(nil)
)

// Option customizes a Backend.
type Option func(*Backend)

// WithFs replaces the OS filesystem, e.g. with afero.NewMemMapFs in tests.
func WithFs(fsys afero.Fs) Option {
	return func(b *Backend) {
		b.fs = fsys
	}
}

// New creates a file backend. It performs no filesystem calls.
func New(name string, cfg toolexecutor.FileConfig, opts ...Option) (*Backend, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("file backend %s: base_dir is required", name)
	}
	base := filepath.Clean(cfg.BaseDir)
	if !filepath.IsAbs(base) {
		abs, err := filepath.Abs(base)
		if err != nil {
			return nil, fmt.Errorf("file backend %s: resolve base_dir: %w", name, err)
		}
		base = abs
	}
	for _, pattern := range cfg.DeniedPatterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("file backend %s: invalid denied pattern %q", name, pattern)
		}
	}

	b := &Backend{name: name, cfg: cfg, fs: afero.NewOsFs(), base: base}
	if len(cfg.AllowedExtensions) > 0 {
		b.allowExts = make(map[string]struct{}, len(cfg.AllowedExtensions))
		for _, ext := range cfg.AllowedExtensions {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext != "" && !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			b.allowExts[ext] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Backend) Name() string                { return b.name }
func (b *Backend) Kind() toolexecutor.ToolKind { return toolexecutor.KindFile }
func (b *Backend) Permissions() []string       { return []string{PermRead} }

// OperationPermissions requires file:write for mutating operations.
func (b *Backend) OperationPermissions(params map[string]interface{}) []string {
	switch params["operation"] {
	case OpWrite, OpDelete:
		return []string{PermWrite}
	}
	return nil
}

type params struct {
	Operation  string `mapstructure:"operation"`
	Path       string `mapstructure:"path"`
	Content    string `mapstructure:"content"`
	Encoding   string `mapstructure:"encoding"`
	CreateDirs *bool  `mapstructure:"create_dirs"`
}

func (b *Backend) Validate(_ *toolexecutor.Tool, raw map[string]interface{}) []toolexecutor.ValidationIssue {
	var p params
	if err := toolexecutor.DecodeParams(raw, &p); err != nil {
		return []toolexecutor.ValidationIssue{{Code: toolexecutor.CodeTypeMismatch, Message: err.Error()}}
	}

	var issues []toolexecutor.ValidationIssue
	switch p.Operation {
	case OpRead, OpDelete:
	case OpWrite:
		if _, ok := raw["content"]; !ok {
			issues = append(issues, toolexecutor.ValidationIssue{
				Parameter: "content",
				Code:      toolexecutor.CodeMissingParameter,
				Message:   "write requires content",
			})
		}
	default:
		issues = append(issues, toolexecutor.ValidationIssue{
			Parameter: "operation",
			Code:      toolexecutor.CodeInvalidEnum,
			Message:   fmt.Sprintf("unsupported file operation %q", p.Operation),
			Expected:  "read|write|delete",
			Actual:    p.Operation,
		})
	}
	if strings.TrimSpace(p.Path) == "" {
		issues = append(issues, toolexecutor.ValidationIssue{
			Parameter: "path",
			Code:      toolexecutor.CodeMissingParameter,
			Message:   "path must be provided",
		})
	}
	switch p.Encoding {
	case "", EncodingUTF8, EncodingBase64:
	default:
		issues = append(issues, toolexecutor.ValidationIssue{
			Parameter: "encoding",
			Code:      toolexecutor.CodeInvalidEnum,
			Message:   fmt.Sprintf("unsupported encoding %q", p.Encoding),
			Expected:  "utf-8|base64",
			Actual:    p.Encoding,
		})
	}
	return issues
}

func (b *Backend) Execute(ctx context.Context, call *toolexecutor.Call) (*toolexecutor.ExecutionOutput, error) {
	var p params
	if err := call.Decode(&p); err != nil {
		return nil, err
	}
	target, err := b.resolve(p.Path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch p.Operation {
	case OpRead:
		return b.read(ctx, call, target)
	case OpWrite:
		return b.write(ctx, call, target, p)
	case OpDelete:
		return b.delete(call, target)
	default:
		return nil, toolexecutor.NewError(toolexecutor.KindInvalidParameters, "unsupported file operation %q", p.Operation)
	}
}

// ExecuteStream streams reads block by block with progress; other
// operations complete as in Execute.
func (b *Backend) ExecuteStream(ctx context.Context, call *toolexecutor.Call, w toolexecutor.ChunkWriter) (*toolexecutor.ExecutionOutput, error) {
	var p params
	if err := call.Decode(&p); err != nil {
		return nil, err
	}
	if p.Operation != OpRead {
		return b.Execute(ctx, call)
	}
	target, err := b.resolve(p.Path)
	if err != nil {
		return nil, err
	}

	info, err := b.statFile(call, target)
	if err != nil {
		return nil, err
	}

	f, err := b.fs.Open(target)
	if err != nil {
		return nil, toolexecutor.WrapError(toolexecutor.KindExecutionFailed, err, "open %s", p.Path)
	}
	defer f.Close()

	blockSize := call.Options.Output.ChunkSize
	if blockSize <= 0 {
		blockSize = readBlockSize
	}

	var (
		buf     = make([]byte, blockSize)
		pending []byte
		mime    *mimetype.MIME
		text    bool
		total   int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			block := append(pending, buf[:n]...)
			pending = nil
			if mime == nil {
				mime = mimetype.Detect(block)
				text = isText(mime) && utf8.Valid(block[:runeBoundary(block)])
			}
			total += int64(n)
			if b.cfg.MaxFileSize > 0 && total > b.cfg.MaxFileSize {
				return nil, toolexecutor.ResourceLimitError(toolexecutor.ResourceFileSize, b.cfg.MaxFileSize, total)
			}
			call.Usage.RecordRead(int64(n))

			chunk := toolexecutor.BinaryChunk(append([]byte(nil), block...))
			if text {
				cut := runeBoundary(block)
				pending = append([]byte(nil), block[cut:]...)
				chunk = toolexecutor.TextChunk(string(block[:cut]))
			}
			if err := w.Write(chunk); err != nil {
				return nil, err
			}
			if info.Size() > 0 {
				if err := w.Write(toolexecutor.ProgressChunk(float64(total)*100/float64(info.Size()), p.Path)); err != nil {
					return nil, err
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, toolexecutor.WrapError(toolexecutor.KindExecutionFailed, readErr, "read %s", p.Path)
		}
	}
	if len(pending) > 0 {
		if err := w.Write(toolexecutor.TextChunk(string(pending))); err != nil {
			return nil, err
		}
	}
	observability.RecordBackendBytes(call.Tool.ID, "read", total)

	mimeType := "application/octet-stream"
	if mime != nil {
		mimeType = mime.String()
	}
	return toolexecutor.JSONOutput(map[string]interface{}{
		"path":      p.Path,
		"size":      total,
		"mime_type": mimeType,
		"streamed":  true,
	}), nil
}

// resolve maps a request path to an absolute path under the base
// directory without touching the filesystem.
func (b *Backend) resolve(requested string) (string, error) {
	if strings.TrimSpace(requested) == "" {
		return "", toolexecutor.NewError(toolexecutor.KindMissingParameter, "path must be provided")
	}
	if strings.ContainsRune(requested, 0) {
		return "", toolexecutor.NewError(toolexecutor.KindSandboxViolation, "path contains a NUL byte")
	}

	target := requested
	if !filepath.IsAbs(target) {
		target = filepath.Join(b.base, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(b.base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &toolexecutor.ExecutorError{
			Kind:    toolexecutor.KindSandboxViolation,
			Message: fmt.Sprintf("path %q escapes the base directory", requested),
			Details: map[string]interface{}{"path": requested},
		}
	}
	if rel == "." {
		return "", toolexecutor.NewError(toolexecutor.KindInvalidParameters, "path %q names the base directory", requested)
	}

	if b.allowExts != nil {
		ext := strings.ToLower(filepath.Ext(target))
		if _, ok := b.allowExts[ext]; !ok {
			return "", &toolexecutor.ExecutorError{
				Kind:    toolexecutor.KindSandboxViolation,
				Message: fmt.Sprintf("extension %q is not allowed", ext),
				Details: map[string]interface{}{"path": requested, "allowed_extensions": b.cfg.AllowedExtensions},
			}
		}
	}

	slashed := filepath.ToSlash(rel)
	for _, pattern := range b.cfg.DeniedPatterns {
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return "", &toolexecutor.ExecutorError{
				Kind:    toolexecutor.KindSandboxViolation,
				Message: fmt.Sprintf("path %q matches denied pattern %q", requested, pattern),
				Details: map[string]interface{}{"path": requested},
			}
		}
	}
	return target, nil
}

func (b *Backend) statFile(call *toolexecutor.Call, target string) (fs.FileInfo, error) {
	if err := call.Usage.TouchFile(); err != nil {
		return nil, err
	}
	info, err := b.fs.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, toolexecutor.NewError(toolexecutor.KindExecutionFailed, "file %s does not exist", b.relative(target))
		}
		return nil, toolexecutor.WrapError(toolexecutor.KindExecutionFailed, err, "stat %s", b.relative(target))
	}
	if info.IsDir() {
		return nil, toolexecutor.NewError(toolexecutor.KindInvalidParameters, "%s is a directory", b.relative(target))
	}
	if b.cfg.MaxFileSize > 0 && info.Size() > b.cfg.MaxFileSize {
		return nil, toolexecutor.ResourceLimitError(toolexecutor.ResourceFileSize, b.cfg.MaxFileSize, info.Size())
	}
	return info, nil
}

func (b *Backend) read(ctx context.Context, call *toolexecutor.Call, target string) (*toolexecutor.ExecutionOutput, error) {
	info, err := b.statFile(call, target)
	if err != nil {
		return nil, err
	}
	if err := call.Usage.ReserveMemory(info.Size()); err != nil {
		return nil, err
	}
	defer call.Usage.ReleaseMemory(info.Size())

	f, err := b.fs.Open(target)
	if err != nil {
		return nil, toolexecutor.WrapError(toolexecutor.KindExecutionFailed, err, "open %s", b.relative(target))
	}
	defer f.Close()

	data, err := readAll(ctx, f, info.Size(), b.cfg.MaxFileSize)
	if err != nil {
		return nil, err
	}
	call.Usage.RecordRead(int64(len(data)))
	observability.RecordBackendBytes(call.Tool.ID, "read", int64(len(data)))

	mime := mimetype.Detect(data)
	out := map[string]interface{}{
		"path":      b.relative(target),
		"size":      len(data),
		"mime_type": mime.String(),
	}
	if isText(mime) && utf8.Valid(data) {
		out["encoding"] = EncodingUTF8
		out["content"] = string(data)
	} else {
		out["encoding"] = EncodingBase64
		out["content"] = base64.StdEncoding.EncodeToString(data)
	}
	return toolexecutor.JSONOutput(out), nil
}

// readAll reads in blocks, checking ctx between them. A positive limit caps
// the bytes read whatever size the file reported when it was stat'ed.
func readAll(ctx context.Context, r io.Reader, sizeHint, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data := make([]byte, 0, sizeHint)
	buf := make([]byte, readBlockSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		data = append(data, buf[:n]...)
		if limit > 0 && int64(len(data)) > limit {
			return nil, toolexecutor.ResourceLimitError(toolexecutor.ResourceFileSize, limit, int64(len(data)))
		}
		if errors.Is(err, io.EOF) {
			return data, nil
		}
		if err != nil {
			return nil, toolexecutor.WrapError(toolexecutor.KindExecutionFailed, err, "read")
		}
	}
}

func (b *Backend) write(ctx context.Context, call *toolexecutor.Call, target string, p params) (*toolexecutor.ExecutionOutput, error) {
	data := []byte(p.Content)
	if p.Encoding == EncodingBase64 {
		decoded, err := base64.StdEncoding.DecodeString(p.Content)
		if err != nil {
			return nil, toolexecutor.WrapError(toolexecutor.KindInvalidParameters, err, "content is not valid base64")
		}
		data = decoded
	}
	if b.cfg.MaxFileSize > 0 && int64(len(data)) > b.cfg.MaxFileSize {
		return nil, toolexecutor.ResourceLimitError(toolexecutor.ResourceFileSize, b.cfg.MaxFileSize, int64(len(data)))
	}
	if err := call.Usage.TouchFile(); err != nil {
		return nil, err
	}

	existed, err := afero.Exists(b.fs, target)
	if err != nil {
		return nil, toolexecutor.WrapError(toolexecutor.KindExecutionFailed, err, "stat %s", b.relative(target))
	}
	if p.CreateDirs == nil || *p.CreateDirs {
		if err := b.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, toolexecutor.WrapError(toolexecutor.KindExecutionFailed, err, "create parent of %s", b.relative(target))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := afero.WriteFile(b.fs, target, data, 0o644); err != nil {
		return nil, toolexecutor.WrapError(toolexecutor.KindExecutionFailed, err, "write %s", b.relative(target))
	}

	call.Usage.RecordWritten(int64(len(data)))
	observability.RecordBackendBytes(call.Tool.ID, "written", int64(len(data)))
	call.Logger.Debug().Str("path", b.relative(target)).Int("bytes", len(data)).Msg("File written")

	return toolexecutor.JSONOutput(map[string]interface{}{
		"path":          b.relative(target),
		"bytes_written": len(data),
		"created":       !existed,
	}), nil
}

func (b *Backend) delete(call *toolexecutor.Call, target string) (*toolexecutor.ExecutionOutput, error) {
	// Oversized files may still be deleted.
	if _, err := b.statFile(call, target); err != nil && toolexecutor.KindOf(err) != toolexecutor.KindResourceLimitExceeded {
		return nil, err
	}
	if err := b.fs.Remove(target); err != nil {
		return nil, toolexecutor.WrapError(toolexecutor.KindExecutionFailed, err, "delete %s", b.relative(target))
	}
	call.Logger.Debug().Str("path", b.relative(target)).Msg("File deleted")
	return toolexecutor.JSONOutput(map[string]interface{}{
		"path":    b.relative(target),
		"deleted": true,
	}), nil
}

func (b *Backend) relative(target string) string {
	rel, err := filepath.Rel(b.base, target)
	if err != nil {
		return target
	}
	return filepath.ToSlash(rel)
}

func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// runeBoundary returns the length of the longest prefix of b that does not
// end inside a multi-byte rune.
func runeBoundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
