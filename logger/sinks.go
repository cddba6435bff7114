package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

const logFilePerm = 0o644

// sinkWriter fans every serialized entry out to the console and then to the auxiliary sinks.
// The console write always happens first; auxiliary failures are absorbed here.
type sinkWriter struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
	file   *fileSink
	bridge io.Writer
}

var _ zerolog.LevelWriter = (*sinkWriter)(nil)

func (s *sinkWriter) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel holds the lock across all sinks so entries from one caller land in call order
// in every sink.
func (s *sinkWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	console := s.stdout
	if isErrorLevel(level) {
		console = s.stderr
	}
	// Nothing sits behind the console to report a failure to.
	_, _ = console.Write(p)

	if s.file != nil {
		s.file.write(p)
	}
	if s.bridge != nil {
		_, _ = s.bridge.Write(p)
	}
	return len(p), nil
}

func (s *sinkWriter) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.close()
}

func isErrorLevel(level zerolog.Level) bool {
	switch level {
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return true
	default:
		return false
	}
}

// fileSink appends lines to a file. A failed open or write is reported once through report
// and retried on the next entry.
type fileSink struct {
	path   string
	f      *os.File
	report func(op string, err error)
}

func newFileSink(path string, report func(op string, err error)) *fileSink {
	fs := &fileSink{path: path, report: report}
	if err := fs.open(); err != nil {
		report("open", err)
	}
	return fs
}

func (fs *fileSink) open() error {
	if dir := filepath.Dir(fs.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(fs.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
	if err != nil {
		return err
	}
	fs.f = f
	return nil
}

func (fs *fileSink) write(p []byte) {
	if fs.f == nil {
		if err := fs.open(); err != nil {
			fs.report("open", err)
			return
		}
	}
	if _, err := fs.f.Write(p); err != nil {
		fs.report("write", err)
		_ = fs.f.Close()
		fs.f = nil
	}
}

func (fs *fileSink) close() error {
	if fs.f == nil {
		return nil
	}
	err := fs.f.Close()
	fs.f = nil
	return err
}
