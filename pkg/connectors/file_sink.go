package connectors

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/sandboxws/tributary/pkg/buffer"
)

// FileSink appends rows as JSON lines to a file. Paths ending in .zst are
// zstd compressed.
type FileSink struct {
	path string
	ctx  *Context

	mu   sync.Mutex
	f    *os.File
	zw   *zstd.Encoder
	w    *bufio.Writer
	rows int64
}

// NewFileSink creates a FileSink writing to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Open(ctx *Context) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("file sink: %w", err)
	}
	var w io.Writer = f
	if strings.HasSuffix(s.path, ".zst") {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("file sink: zstd: %w", err)
		}
		s.zw = zw
		w = zw
	}
	s.ctx = ctx
	s.f = f
	s.w = bufio.NewWriter(w)
	return nil
}

func (s *FileSink) Write(buf *buffer.Buffer) error {
	if buf.Record == nil {
		return nil
	}
	s.mu.Lock()
	err := WriteJSONLines(s.w, buf.Record)
	s.rows += buf.Record.NumRows()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("file sink %s: %w", s.path, err)
	}
	observe(s.ctx, buf)
	return nil
}

// Rows returns the number of rows written.
func (s *FileSink) Rows() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	var errs []error
	errs = append(errs, s.w.Flush())
	if s.zw != nil {
		errs = append(errs, s.zw.Close())
	}
	errs = append(errs, s.f.Close())
	s.f = nil
	return errors.Join(errs...)
}
