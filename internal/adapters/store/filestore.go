package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"dev.forensix.extract-engine/internal/core/domain"
	"dev.forensix.extract-engine/internal/core/ports"
)

// Session directory layout. Workers write task segments; the
// supervisor owns the aggregate file exclusively.
const (
	sourcesFileName   = "sources.list"
	aggregateFileName = "aggregate.jsonl"
	tasksDirName      = "tasks"
	doneSuffix        = ".done"
	segmentSuffix     = ".jsonl"
)

// FileStore is the filesystem-backed EventStorage shared between the
// supervisor and spawned worker processes through a session directory.
type FileStore struct {
	root string
}

var _ ports.EventStorage = (*FileStore)(nil)

// NewFileStore opens (creating if needed) a session directory.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, tasksDirName), 0o755); err != nil {
		return nil, errors.Wrap(err, "create session directory")
	}
	return &FileStore{root: root}, nil
}

// WriteSources records the source list consumed by GetEventSources.
// The front end calls this once before the engine starts.
func (s *FileStore) WriteSources(sources []string) error {
	data := strings.Join(sources, "\n")
	if len(sources) > 0 {
		data += "\n"
	}
	return os.WriteFile(filepath.Join(s.root, sourcesFileName), []byte(data), 0o644)
}

// GetEventSources streams the recorded source list, one descriptor per
// line. A missing or unreadable list yields an empty sequence.
func (s *FileStore) GetEventSources(ctx context.Context) (<-chan string, error) {
	f, err := os.Open(filepath.Join(s.root, sourcesFileName))
	if err != nil {
		if os.IsNotExist(err) {
			out := make(chan string)
			close(out)
			return out, nil
		}
		return nil, errors.Wrap(err, "open source list")
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// CreateTaskStorage truncates and reopens the task's segment file,
// dropping any partial output from a previous owner.
func (s *FileStore) CreateTaskStorage(task domain.Task) (ports.TaskSegment, error) {
	// A replaced owner's completion marker must not leak onto the new
	// segment.
	_ = os.Remove(s.markerPath(task.Identifier))

	f, err := os.Create(s.segmentPath(task.Identifier))
	if err != nil {
		return nil, errors.Wrapf(err, "create segment for task %s", task.Identifier)
	}
	return &fileSegment{store: s, taskID: task.Identifier, file: f, w: bufio.NewWriter(f)}, nil
}

// MergeTaskStorage appends a completed segment to the aggregate file
// and removes the segment. Only the supervisor calls this.
func (s *FileStore) MergeTaskStorage(taskIdentifier string) (bool, error) {
	marker := s.markerPath(taskIdentifier)
	if _, err := os.Stat(marker); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "stat completion marker")
	}

	segment, err := os.Open(s.segmentPath(taskIdentifier))
	if err != nil {
		return false, errors.Wrap(err, "open completed segment")
	}
	defer segment.Close()

	aggregate, err := os.OpenFile(filepath.Join(s.root, aggregateFileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, errors.Wrap(err, "open aggregate store")
	}
	defer aggregate.Close()

	if _, err := io.Copy(aggregate, segment); err != nil {
		return false, errors.Wrap(err, "append segment to aggregate")
	}

	_ = os.Remove(s.segmentPath(taskIdentifier))
	_ = os.Remove(marker)
	return true, nil
}

// AggregateEvents reads back the merged events, newest last.
func (s *FileStore) AggregateEvents() ([]domain.Event, error) {
	f, err := os.Open(filepath.Join(s.root, aggregateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "open aggregate store")
	}
	defer f.Close()

	var events []domain.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var event domain.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, errors.Wrap(err, "decode aggregate event")
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

func (s *FileStore) segmentPath(taskID string) string {
	return filepath.Join(s.root, tasksDirName, taskID+segmentSuffix)
}

func (s *FileStore) markerPath(taskID string) string {
	return filepath.Join(s.root, tasksDirName, taskID+doneSuffix)
}

// fileSegment appends JSON lines to the task's segment file.
type fileSegment struct {
	store  *FileStore
	taskID string
	file   *os.File
	w      *bufio.Writer
}

func (f *fileSegment) WriteEvent(event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	if _, err := f.w.Write(data); err != nil {
		return errors.Wrap(err, "write event")
	}
	return errors.Wrap(f.w.WriteByte('\n'), "write event")
}

// MarkComplete flushes the segment and writes the completion marker
// atomically via rename.
func (f *fileSegment) MarkComplete() error {
	if err := f.w.Flush(); err != nil {
		return errors.Wrap(err, "flush segment")
	}
	if err := f.file.Sync(); err != nil {
		return errors.Wrap(err, "sync segment")
	}
	marker := f.store.markerPath(f.taskID)
	tmp := fmt.Sprintf("%s.tmp", marker)
	if err := os.WriteFile(tmp, []byte(f.taskID), 0o644); err != nil {
		return errors.Wrap(err, "write completion marker")
	}
	return errors.Wrap(os.Rename(tmp, marker), "publish completion marker")
}

func (f *fileSegment) Close() error {
	if err := f.w.Flush(); err != nil {
		f.file.Close()
		return errors.Wrap(err, "flush segment")
	}
	return errors.Wrap(f.file.Close(), "close segment")
}
