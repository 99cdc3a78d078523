package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/shardrun/internal/branchmap"
)

// FileListDoc is a dataset description document. JSON documents parse too.
type FileListDoc struct {
	Nick       string   `yaml:"nick"`
	Era        string   `yaml:"era"`
	SampleType string   `yaml:"sample_type"`
	FileList   []string `yaml:"filelist"`
}

// LoadFileList reads a dataset description document.
func LoadFileList(path string) (*FileListDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file list: %w", err)
	}
	var doc FileListDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing file list %s: %w", path, err)
	}
	return &doc, nil
}

// BranchDatasets resolves every configured dataset into its file list, in
// declaration order. Inline files come first, followed by those of the file
// list document; era and sample type fall back to the document's values.
func (c *Config) BranchDatasets() ([]branchmap.Dataset, error) {
	out := make([]branchmap.Dataset, 0, len(c.Datasets))
	for _, dc := range c.Datasets {
		ds := branchmap.Dataset{
			Nick:       dc.Nick,
			Era:        dc.Era,
			SampleType: dc.SampleType,
			Files:      append([]string(nil), dc.Files...),
		}
		if dc.FileList != "" {
			doc, err := LoadFileList(c.Resolve(dc.FileList))
			if err != nil {
				return nil, fmt.Errorf("dataset %s: %w", dc.Nick, err)
			}
			ds.Files = append(ds.Files, doc.FileList...)
			if ds.Era == "" {
				ds.Era = doc.Era
			}
			if ds.SampleType == "" {
				ds.SampleType = doc.SampleType
			}
		}
		if ds.Era == "" || ds.SampleType == "" {
			return nil, fmt.Errorf("dataset %s: era and sample_type are required", dc.Nick)
		}
		out = append(out, ds)
	}
	return out, nil
}
