// Package logutil routes the process log either to a size-capped file next
// to the working directory or to nowhere, so capture output on stdout stays
// machine-readable.
package logutil

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

const (
	logFileName = "page_capture_debug.log"
	archives    = 3
)

// sizeCap is a var so rotation can be exercised without writing 10MB.
var sizeCap int64 = 10 << 20

// Setup points the standard logger at the debug file when toFile is set,
// otherwise discards everything. Verbose console logging is handled by the
// caller pointing the logger at stderr instead.
func Setup(toFile bool) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if !toFile {
		log.SetOutput(io.Discard)
		return
	}
	w, err := newCappedFile(logFileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		return
	}
	log.SetOutput(w)
}

// cappedFile appends to a log file and shifts it into numbered archives
// (.1 newest, .3 oldest) once the size cap is reached. Written bytes are
// counted in-process so no Stat is needed on the hot path.
type cappedFile struct {
	mu      sync.Mutex
	name    string
	f       *os.File
	written int64
}

func newCappedFile(name string) (*cappedFile, error) {
	w := &cappedFile{name: name}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *cappedFile) open() error {
	f, err := os.OpenFile(w.name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return err
	}
	size := int64(0)
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	w.f = f
	w.written = size
	return nil
}

func (w *cappedFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written+int64(len(p)) > sizeCap {
		if err := w.shift(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *cappedFile) shift() error {
	_ = w.f.Close()
	_ = os.Remove(w.archive(archives))
	for i := archives - 1; i >= 1; i-- {
		_ = os.Rename(w.archive(i), w.archive(i+1))
	}
	_ = os.Rename(w.name, w.archive(1))
	return w.open()
}

func (w *cappedFile) archive(n int) string { return fmt.Sprintf("%s.%d", w.name, n) }

// RedactKey keeps the first and last four characters of a credential so log
// lines stay correlatable without leaking the key.
func RedactKey(k string) string {
	if len(k) <= 8 {
		return "********"
	}
	return k[:4] + "..." + k[len(k)-4:]
}
