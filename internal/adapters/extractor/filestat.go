package extractor

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"dev.forensix.extract-engine/internal/core/domain"
	"dev.forensix.extract-engine/internal/core/ports"
)

// FileStatName is the registry key of the built-in filestat extractor.
const FileStatName = "filestat"

// FileStat is the minimal built-in extractor: it treats the path spec
// as a local file path and emits one modification-time event per file.
// It mostly serves as the reference implementation of the extraction
// contract for external decoders.
type FileStat struct{}

var _ ports.Extractor = (*FileStat)(nil)

// NewFileStat creates the extractor.
func NewFileStat() *FileStat {
	return &FileStat{}
}

// Process stats the file behind pathSpec.
func (e *FileStat) Process(ctx context.Context, pathSpec string) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(pathSpec)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", pathSpec)
	}
	return []domain.Event{
		{
			Timestamp: info.ModTime().UTC(),
			Source:    pathSpec,
			Message:   fmt.Sprintf("file %s modified", info.Name()),
			Attributes: map[string]string{
				"size": strconv.FormatInt(info.Size(), 10),
				"mode": info.Mode().String(),
			},
		},
	}, nil
}
