package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotatingWriter appends lines to server.log under dir, rotating to
// server.log.1 when the file exceeds maxBytes. The log process feeds it with
// the lines pushed by the other processes.
type RotatingWriter struct {
	dir      string
	maxBytes int64
	stdout   bool

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotatingWriter opens (or creates) the log file.
func NewRotatingWriter(dir string, maxBytes int64, stdout bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	w := &RotatingWriter{dir: dir, maxBytes: maxBytes, stdout: stdout}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) path() string {
	return filepath.Join(w.dir, "server.log")
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// WriteLine appends one line, rotating first if the file is full.
func (w *RotatingWriter) WriteLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stdout {
		fmt.Println(line)
	}

	if w.size+int64(len(line))+1 > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := fmt.Fprintln(w.file, line)
	w.size += int64(n)
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.path(), w.path()+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return w.open()
}

// Close closes the file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
