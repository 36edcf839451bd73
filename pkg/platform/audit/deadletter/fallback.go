package deadletter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	audit "auditrail/pkg/platform/audit"
)

// Fallback is the last durable write path for a dead letter when the store
// rejects it.
type Fallback interface {
	Write(ctx context.Context, d audit.DeadLetter) error
}

// Journal is a Fallback whose entries can be moved back into the store.
type Journal interface {
	Fallback
	Replay(ctx context.Context, save func(ctx context.Context, letters []audit.DeadLetter) error) (int, error)
}

// FileFallback appends dead letters as JSON lines to a local file. Each write
// is synced before it returns.
type FileFallback struct {
	mu   sync.Mutex
	path string
}

// NewFileFallback creates a FileFallback writing to path. The parent
// directory is created on first write.
func NewFileFallback(path string) *FileFallback {
	return &FileFallback{path: path}
}

// Path returns the fallback file location.
func (f *FileFallback) Path() string { return f.path }

// Write implements Fallback.
func (f *FileFallback) Write(_ context.Context, d audit.DeadLetter) error {
	line, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", d.ID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return fmt.Errorf("create fallback dir: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open fallback file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append dead letter %s: %w", d.ID, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync fallback file: %w", err)
	}
	return nil
}

// Replay hands every journaled dead letter to save, oldest first, and
// empties the journal once save returns nil. Writes wait until the replay
// is over, and on error the journal is left as it was.
func (f *FileFallback) Replay(ctx context.Context, save func(ctx context.Context, letters []audit.DeadLetter) error) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	letters, err := f.readAll()
	if err != nil || len(letters) == 0 {
		return 0, err
	}
	if err := save(ctx, letters); err != nil {
		return 0, err
	}
	if err := os.Truncate(f.path, 0); err != nil {
		return len(letters), fmt.Errorf("truncate fallback file: %w", err)
	}
	return len(letters), nil
}

func (f *FileFallback) readAll() ([]audit.DeadLetter, error) {
	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open fallback file: %w", err)
	}
	defer file.Close()

	var out []audit.DeadLetter
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var d audit.DeadLetter
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			return nil, fmt.Errorf("decode fallback line %d: %w", len(out)+1, err)
		}
		out = append(out, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read fallback file: %w", err)
	}
	return out, nil
}
