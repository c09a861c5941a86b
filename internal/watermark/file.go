package watermark

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mdelaney/sirbridge/internal/domain"
)

// FileStore keeps the cursor in a single-line local file. Used for local
// development runs and tests; production uses SSMStore.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Get(_ context.Context) (time.Time, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, &domain.WatermarkIOError{Op: "get", Err: err}
	}

	raw := strings.TrimSpace(string(data))
	value, err := time.Parse(Format, raw)
	if err != nil {
		return time.Time{}, false, &domain.WatermarkIOError{
			Op:  "get",
			Err: fmt.Errorf("stored value %q is not a valid timestamp: %w", raw, err),
		}
	}

	return value, true, nil
}

func (s *FileStore) Set(_ context.Context, value time.Time) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &domain.WatermarkIOError{Op: "set", Err: err}
		}
	}
	if err := os.WriteFile(s.path, []byte(value.Format(Format)+"\n"), 0o644); err != nil {
		return &domain.WatermarkIOError{Op: "set", Err: err}
	}
	return nil
}
