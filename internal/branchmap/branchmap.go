// Package branchmap splits dataset file lists into numbered work units.
package branchmap

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/fentz26/shardrun/internal/models"
)

// ErrEmptyDataset is returned when a dataset contributes no files.
var ErrEmptyDataset = errors.New("dataset has no input files")

// Dataset is one named list of input files.
type Dataset struct {
	Nick       string   `json:"nick" yaml:"nick"`
	Era        string   `json:"era" yaml:"era"`
	SampleType string   `json:"sample_type" yaml:"sample_type"`
	Files      []string `json:"files" yaml:"files"`
}

// Build partitions each dataset into units of at most filesPerUnit files.
// Datasets are concatenated in order and unit IDs form one contiguous range
// starting at 0.
func Build(datasets []Dataset, filesPerUnit int) ([]models.WorkUnit, error) {
	if filesPerUnit <= 0 {
		return nil, fmt.Errorf("files per unit must be positive, got %d", filesPerUnit)
	}

	var units []models.WorkUnit
	for _, ds := range datasets {
		if len(ds.Files) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyDataset, ds.Nick)
		}
		offset := len(units)
		for start := 0; start < len(ds.Files); start += filesPerUnit {
			end := start + filesPerUnit
			if end > len(ds.Files) {
				end = len(ds.Files)
			}
			units = append(units, models.WorkUnit{
				ID:              len(units),
				DatasetNick:     ds.Nick,
				Era:             ds.Era,
				SampleType:      ds.SampleType,
				InputFiles:      append([]string(nil), ds.Files[start:end]...),
				FirstUnitOffset: offset,
			})
		}
	}
	return units, nil
}

// UnitCount is the number of units Build yields for n files.
func UnitCount(n, filesPerUnit int) int {
	if filesPerUnit <= 0 {
		return 0
	}
	return (n + filesPerUnit - 1) / filesPerUnit
}

// OutputNumber is the unit's index within its dataset.
func OutputNumber(u models.WorkUnit) int {
	return u.ID - u.FirstUnitOffset
}

// OutputBasename is "{nick}_{n}{ext}".
func OutputBasename(u models.WorkUnit, ext string) string {
	return fmt.Sprintf("%s_%d%s", u.DatasetNick, OutputNumber(u), ext)
}

// ScopeFile is the per-scope file the processor writes for basename,
// "{nick}_{n}_{scope}{ext}".
func ScopeFile(basename, scope, ext string) string {
	return strings.TrimSuffix(basename, ext) + "_" + scope + ext
}

// OutputPath is the storage path of one scope's output relative to the
// task's output root: "{era}/{nick}/{scope}/{nick}_{n}{ext}".
func OutputPath(u models.WorkUnit, scope, ext string) string {
	return path.Join(u.Era, u.DatasetNick, scope, OutputBasename(u, ext))
}

// OutputPaths returns OutputPath for each scope, in order.
func OutputPaths(u models.WorkUnit, scopes []string, ext string) []string {
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		out = append(out, OutputPath(u, scope, ext))
	}
	return out
}
