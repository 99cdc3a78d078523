package branchmap

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/shardrun/internal/models"
)

func files(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("root://xrd//store/%s_%d.root", prefix, i)
	}
	return out
}

func TestBuild_PartitionProperties(t *testing.T) {
	for l := 1; l <= 12; l++ {
		for s := 1; s <= 5; s++ {
			input := files("f", l)
			units, err := Build([]Dataset{{Nick: "ds", Era: "2018", SampleType: "mc", Files: input}}, s)
			require.NoError(t, err)
			require.Len(t, units, UnitCount(l, s), "L=%d S=%d", l, s)

			var joined []string
			for i, u := range units {
				assert.Equal(t, i, u.ID)
				assert.NotEmpty(t, u.InputFiles)
				assert.LessOrEqual(t, len(u.InputFiles), s)
				joined = append(joined, u.InputFiles...)
			}
			if diff := cmp.Diff(input, joined); diff != "" {
				t.Fatalf("L=%d S=%d concatenation mismatch (-want +got):\n%s", l, s, diff)
			}
		}
	}
}

func TestBuild_MultipleDatasets(t *testing.T) {
	units, err := Build([]Dataset{
		{Nick: "dy", Era: "2018", SampleType: "mc", Files: files("dy", 5)},
		{Nick: "data", Era: "2018", SampleType: "data", Files: files("data", 3)},
	}, 2)
	require.NoError(t, err)

	want := []models.WorkUnit{
		{ID: 0, DatasetNick: "dy", Era: "2018", SampleType: "mc", InputFiles: files("dy", 5)[0:2], FirstUnitOffset: 0},
		{ID: 1, DatasetNick: "dy", Era: "2018", SampleType: "mc", InputFiles: files("dy", 5)[2:4], FirstUnitOffset: 0},
		{ID: 2, DatasetNick: "dy", Era: "2018", SampleType: "mc", InputFiles: files("dy", 5)[4:5], FirstUnitOffset: 0},
		{ID: 3, DatasetNick: "data", Era: "2018", SampleType: "data", InputFiles: files("data", 3)[0:2], FirstUnitOffset: 3},
		{ID: 4, DatasetNick: "data", Era: "2018", SampleType: "data", InputFiles: files("data", 3)[2:3], FirstUnitOffset: 3},
	}
	if diff := cmp.Diff(want, units); diff != "" {
		t.Fatalf("units mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, 1, OutputNumber(units[4]))
	assert.Equal(t, "data_1.root", OutputBasename(units[4], ".root"))
	assert.Equal(t, []string{"2018/data/mt/data_1.root", "2018/data/et/data_1.root"},
		OutputPaths(units[4], []string{"mt", "et"}, ".root"))
}

func TestBuild_FiveFilesTwoPerUnit(t *testing.T) {
	units, err := Build([]Dataset{{Nick: "ds", Files: files("ds", 5)}}, 2)
	require.NoError(t, err)

	var sizes, ids []int
	for _, u := range units {
		sizes = append(sizes, len(u.InputFiles))
		ids = append(ids, u.ID)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []int{0, 1, 2}, ids)
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build([]Dataset{{Nick: "ok", Files: files("ok", 1)}, {Nick: "empty"}}, 2)
	require.ErrorIs(t, err, ErrEmptyDataset)
	assert.Contains(t, err.Error(), "empty")

	_, err = Build([]Dataset{{Nick: "ok", Files: files("ok", 1)}}, 0)
	assert.Error(t, err)
}

func TestBuild_Deterministic(t *testing.T) {
	ds := []Dataset{{Nick: "a", Files: files("a", 7)}, {Nick: "b", Files: files("b", 4)}}
	first, err := Build(ds, 3)
	require.NoError(t, err)
	second, err := Build(ds, 3)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(first, second))
}

func TestScopeFile(t *testing.T) {
	assert.Equal(t, "dy_3_mt.root", ScopeFile("dy_3.root", "mt", ".root"))
}

func TestManifest_SaveLoad(t *testing.T) {
	units, err := Build([]Dataset{{Nick: "dy", Era: "2018", SampleType: "mc", Files: files("dy", 3)}}, 2)
	require.NoError(t, err)
	m := &Manifest{
		Task:          "ProcessorRun",
		ProductionTag: "v1",
		Scopes:        []string{"mt"},
		Artifact:      models.ArtifactRecord{TaskName: "ProcessorRun", ProductionTag: "v1", VersionTimestamp: "2024_05_01_10_00_00_000000", RemotePath: "root://h//a/processor.tar.gz"},
		Units:         units,
	}
	path := filepath.Join(t.TempDir(), ManifestFile)
	require.NoError(t, m.Save(path))

	got, err := LoadManifest(path)
	require.NoError(t, err)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}

	u, err := got.Unit(1)
	require.NoError(t, err)
	assert.Equal(t, []string{files("dy", 3)[2]}, u.InputFiles)

	_, err = got.Unit(9)
	assert.Error(t, err)
}
