package anchoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"anchor/cmd/security/digest"
)

const recordSep = '\n'

// FileStore keeps one newline-delimited file per anchor identity in a directory.
//
// Layout: <dir>/<digest(anchorID)>.log, one record identifier per line, in
// append order. No header, no checksum.
//
// Concurrency model:
//   - AppendAt re-reads the file and checks its record count against pos under
//     an exclusive flock(2) (when enabled), then writes at the captured size.
//   - ReadChain holds a shared flock (when enabled) while it reads. It may
//     observe a stale tail, never a partial record.
type FileStore struct {
	dir   string
	namer digest.Namer
	fsync bool
	flock bool
}

// FileOption configures FileStore behavior.
type FileOption func(*FileStore)

// WithFsync controls whether each append is fsynced before AppendAt returns (default true).
func WithFsync(on bool) FileOption {
	return func(s *FileStore) { s.fsync = on }
}

// WithFlock controls the cross-process advisory lock (default true where supported).
func WithFlock(on bool) FileOption {
	return func(s *FileStore) { s.flock = on && flockSupported }
}

// WithNamer overrides how anchor ids map to file names.
func WithNamer(n digest.Namer) FileOption {
	return func(s *FileStore) { s.namer = n }
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("anchoring: empty store dir")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("anchoring: create store dir: %w", err)
	}

	st := &FileStore{
		dir:   dir,
		fsync: true,
		flock: flockSupported,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(st)
		}
	}
	return st, nil
}

// Close is a no-op; files are opened per call.
func (s *FileStore) Close() error { return nil }

// Path returns the file backing anchorID.
func (s *FileStore) Path(anchorID string) string {
	return filepath.Join(s.dir, s.namer.Name(anchorID)+".log")
}

// ReadChain returns every record of anchorID in append order.
func (s *FileStore) ReadChain(ctx context.Context, anchorID string) ([]string, error) {
	if anchorID == "" {
		return nil, errors.New("missing anchor id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.Path(anchorID))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chain: %w", err)
	}
	defer f.Close()

	if s.flock {
		if err := rlockFile(f); err != nil {
			return nil, fmt.Errorf("lock chain: %w", err)
		}
		defer func() { _ = unlockFile(f) }()
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read chain: %w", err)
	}
	return splitRecords(data), nil
}

// AppendAt appends record as entry pos.
func (s *FileStore) AppendAt(ctx context.Context, anchorID string, pos int, record string) (err error) {
	if anchorID == "" || record == "" || strings.ContainsAny(record, "\r\n") {
		return errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.OpenFile(s.Path(anchorID), os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return fmt.Errorf("open chain: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close chain: %w", cerr)
		}
	}()

	if s.flock {
		if err := lockFile(f); err != nil {
			return fmt.Errorf("lock chain: %w", err)
		}
		defer func() { _ = unlockFile(f) }()
	}

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat chain: %w", err)
	}
	size := info.Size()

	data := make([]byte, size)
	if size > 0 {
		if _, err := f.ReadAt(data, 0); err != nil {
			return fmt.Errorf("read chain: %w", err)
		}
	}
	if len(splitRecords(data)) != pos {
		return ErrPositionTaken
	}

	line := make([]byte, 0, len(record)+2)
	if size > 0 && data[size-1] != recordSep {
		// Keep line framing if the previous writer did not finish its separator.
		line = append(line, recordSep)
	}
	line = append(line, record...)
	line = append(line, recordSep)

	if _, err := f.WriteAt(line, size); err != nil {
		return fmt.Errorf("write chain: %w", err)
	}

	if s.fsync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync chain: %w", err)
		}
		if size == 0 && flockSupported {
			if err := syncDir(s.dir); err != nil {
				return fmt.Errorf("sync store dir: %w", err)
			}
		}
	}
	return nil
}

func splitRecords(data []byte) []string {
	content := strings.TrimRight(string(data), " \t\r\n")
	if content == "" {
		return []string{}
	}
	lines := strings.Split(content, string(recordSep))
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, strings.TrimRight(l, "\r"))
	}
	return out
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
