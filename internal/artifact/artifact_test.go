package artifact_test

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torosent/crankfleet/internal/artifact"
	"github.com/torosent/crankfleet/internal/config"
	"github.com/torosent/crankfleet/internal/fleet"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func writeDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    artifact.Manifest
		wantErr string
	}{
		{
			name:  "defaults",
			input: `{}`,
			want:  artifact.Manifest{Found: true, SlaveCount: 2, NumberOfThreads: 10, RampUpTime: 10, Duration: 60},
		},
		{
			name:  "full",
			input: `{"slave_count": 4, "regions": {"us-east-1": 3, "eu-west-1": 1}, "load_profile": "jmeter", "entry_plan": "plans/main.jmx", "number_of_threads": "50", "ramp_up_time": 30, "duration": 600}`,
			want: artifact.Manifest{
				Found:           true,
				SlaveCount:      4,
				Regions:         map[string]int{"us-east-1": 3, "eu-west-1": 1},
				LoadProfile:     "jmeter",
				EntryPlan:       "plans/main.jmx",
				NumberOfThreads: 50,
				RampUpTime:      30,
				Duration:        600,
			},
		},
		{
			name:  "region list uses slave_count",
			input: `{"slave_count": 3, "regions": ["us-east-1", "us-west-2"]}`,
			want: artifact.Manifest{
				Found:           true,
				SlaveCount:      3,
				Regions:         map[string]int{"us-east-1": 3, "us-west-2": 3},
				NumberOfThreads: 10,
				RampUpTime:      10,
				Duration:        60,
			},
		},
		{name: "invalid json", input: `{"slave_count":`, wantErr: "not valid JSON"},
		{name: "fractional count", input: `{"slave_count": 1.5}`, wantErr: "slave_count must be a whole number"},
		{name: "bad region count", input: `{"regions": {"us-east-1": "many"}}`, wantErr: "regions.us-east-1"},
		{name: "bad regions type", input: `{"regions": 3}`, wantErr: "regions must be an object or an array"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := artifact.ParseManifest([]byte(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManifestHelpers(t *testing.T) {
	m := artifact.DefaultManifest()
	assert.Equal(t, map[string]int{"us-east-1": 2}, m.RegionCounts("us-east-1"))
	assert.Equal(t, map[string]string{"number_of_threads": "10", "ramp_up_time": "10", "duration": "60"}, m.CoordinatorSettings())

	m.Regions = map[string]int{"eu-west-1": 5}
	assert.Equal(t, map[string]int{"eu-west-1": 5}, m.RegionCounts("us-east-1"))
}

func TestReadManifestMissing(t *testing.T) {
	m, err := artifact.ReadManifest(t.TempDir())
	require.NoError(t, err)
	assert.False(t, m.Found)
	assert.Equal(t, 2, m.SlaveCount)
}

func TestFetchDirectory(t *testing.T) {
	dir := writeDir(t, map[string]string{"test.jmx": "<jmeterTestPlan/>", "config.json": `{"slave_count": 3}`})
	f := artifact.NewFetcher(t.TempDir(), nil, nil)

	pkg, err := f.Fetch(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, dir, pkg.Dir)
	assert.True(t, pkg.Manifest.Found)
	assert.Equal(t, 3, pkg.Manifest.SlaveCount)
}

func TestFetchZipClearsPreviousExtraction(t *testing.T) {
	work := t.TempDir()
	zipPath := filepath.Join(t.TempDir(), "package.zip")
	writeZip(t, zipPath, map[string]string{"test.jmx": "plan", "data/users.csv": "a,b"})

	stale := filepath.Join(work, "package", "stale.jmx")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	pkg, err := artifact.NewFetcher(work, nil, nil).Fetch(context.Background(), zipPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(work, "package"), pkg.Dir)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, filepath.Join(pkg.Dir, "data", "users.csv"))
	assert.False(t, pkg.Manifest.Found)
}

func TestPipelineStagesReuploadedPackage(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "plans.zip")
	root := t.TempDir()
	p := artifact.NewPipeline(artifact.NewFetcher(t.TempDir(), nil, nil), artifact.NewLocalStore(root), "", nil)

	writeZip(t, zipPath, map[string]string{"old.jmx": "v1"})
	first, err := p.Stage(context.Background(), fleet.RunRequest{RunID: "run-1", ArtifactLocation: zipPath})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "run-1", "old.jmx"), first.EntryPlan)

	writeZip(t, zipPath, map[string]string{"new.jmx": "v2"})
	second, err := p.Stage(context.Background(), fleet.RunRequest{RunID: "run-2", ArtifactLocation: zipPath})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "run-2", "new.jmx"), second.EntryPlan)
	assert.NoFileExists(t, filepath.Join(root, "run-2", "old.jmx"))
}

func TestFetchZipRejectsEscapingEntries(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "evil.zip")
	writeZip(t, zipPath, map[string]string{"../outside.jmx": "x"})

	_, err := artifact.NewFetcher(t.TempDir(), nil, nil).Fetch(context.Background(), zipPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

type fakeDownloader struct {
	zip   map[string]string
	calls []string
}

func (d *fakeDownloader) Download(_ context.Context, bucket, key, dest string) error {
	d.calls = append(d.calls, bucket+"/"+key)
	if d.zip == nil {
		return errors.New("NoSuchKey")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for name, body := range d.zip {
		w, _ := zw.Create(name)
		_, _ = w.Write([]byte(body))
	}
	_ = zw.Close()
	return f.Close()
}

func TestFetchS3(t *testing.T) {
	d := &fakeDownloader{zip: map[string]string{"test.jmx": "plan", "config.json": `{"slave_count": 1}`}}
	f := artifact.NewFetcher(t.TempDir(), d, nil)

	pkg, err := f.Fetch(context.Background(), "s3://uploads/incoming/run.zip")
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/incoming/run.zip"}, d.calls)
	assert.Equal(t, 1, pkg.Manifest.SlaveCount)

	d.zip = map[string]string{"test.jmx": "plan", "config.json": `{"slave_count": 5}`}
	again, err := f.Fetch(context.Background(), "s3://uploads/incoming/run.zip")
	require.NoError(t, err)
	assert.Len(t, d.calls, 2)
	assert.Equal(t, 5, again.Manifest.SlaveCount)

	_, err = artifact.NewFetcher(t.TempDir(), &fakeDownloader{}, nil).Fetch(context.Background(), "s3://uploads/missing.zip")
	assert.ErrorContains(t, err, "NoSuchKey")
	_, err = artifact.NewFetcher(t.TempDir(), nil, nil).Fetch(context.Background(), "s3://uploads/x.zip")
	assert.ErrorContains(t, err, "no S3 downloader")
}

func TestFetchRejectsOtherInputs(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plan.jmx")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	f := artifact.NewFetcher(t.TempDir(), nil, nil)

	_, err := f.Fetch(context.Background(), file)
	assert.ErrorContains(t, err, "neither a directory nor a .zip")
	_, err = f.Fetch(context.Background(), "")
	assert.Error(t, err)
	_, err = f.Fetch(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestParseS3URI(t *testing.T) {
	bucket, key, err := artifact.ParseS3URI("s3://b/path/to/x.zip")
	require.NoError(t, err)
	assert.Equal(t, "b", bucket)
	assert.Equal(t, "path/to/x.zip", key)

	for _, bad := range []string{"s3://", "s3://bucket", "s3://bucket/", "http://b/k"} {
		_, _, err := artifact.ParseS3URI(bad)
		assert.Error(t, err, bad)
	}
}

func TestPipelineStageLocal(t *testing.T) {
	dir := writeDir(t, map[string]string{
		"test.jmx":        "plan",
		"data/users.csv":  "a,b",
		"user.properties": "k=v",
		"config.json":     `{}`,
		"README.md":       "ignored",
	})
	root := t.TempDir()
	p := artifact.NewPipeline(artifact.NewFetcher(t.TempDir(), nil, nil), artifact.NewLocalStore(root), "test", nil)

	ref, err := p.Stage(context.Background(), fleet.RunRequest{RunID: "run-1", ArtifactLocation: dir})
	require.NoError(t, err)

	assert.Equal(t, config.StoreLocal, ref.Kind)
	assert.Equal(t, filepath.Join(root, "test", "run-1", "test.jmx"), ref.EntryPlan)
	assert.Equal(t, filepath.Join(root, "test", "run-1", "results", "result.jtl"), ref.Results)
	assert.Empty(t, ref.SignedEntryPlan)
	assert.FileExists(t, filepath.Join(root, "test", "run-1", "data", "users.csv"))
	assert.FileExists(t, filepath.Join(root, "test", "run-1", "user.properties"))
	assert.NoFileExists(t, filepath.Join(root, "test", "run-1", "README.md"))
	assert.NoFileExists(t, filepath.Join(root, "test", "run-1", "config.json"))
}

func TestPipelineEntryPlanSelection(t *testing.T) {
	tests := []struct {
		name      string
		files     map[string]string
		requested string
		want      string
		wantErr   string
	}{
		{name: "single plan", files: map[string]string{"a.jmx": ""}, want: "a.jmx"},
		{name: "requested", files: map[string]string{"a.jmx": "", "b.jmx": ""}, requested: "b.jmx", want: "b.jmx"},
		{name: "manifest", files: map[string]string{"a.jmx": "", "plans/b.jmx": "", "config.json": `{"entry_plan":"plans/b.jmx"}`}, want: "plans/b.jmx"},
		{name: "ambiguous", files: map[string]string{"a.jmx": "", "b.jmx": ""}, wantErr: "2 .jmx plans"},
		{name: "none", files: map[string]string{"data.csv": ""}, wantErr: "no .jmx"},
		{name: "missing requested", files: map[string]string{"a.jmx": ""}, requested: "c.jmx", wantErr: `"c.jmx" not found`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeDir(t, tt.files)
			root := t.TempDir()
			p := artifact.NewPipeline(artifact.NewFetcher(t.TempDir(), nil, nil), artifact.NewLocalStore(root), "", nil)

			ref, err := p.Stage(context.Background(), fleet.RunRequest{RunID: "r", ArtifactLocation: dir, EntryPlanFile: tt.requested})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(root, "r", filepath.FromSlash(tt.want)), ref.EntryPlan)
		})
	}
}

func TestNewFromEnvironmentLocal(t *testing.T) {
	work := t.TempDir()
	env, err := config.EnvironmentFrom(map[string]string{"ARTIFACT_STORE": "local", "WORK_DIR": work})
	require.NoError(t, err)

	p, err := artifact.NewFromEnvironment(context.Background(), env, nil)
	require.NoError(t, err)
	assert.Equal(t, config.StoreLocal, p.Store().Kind())
	assert.NotNil(t, p.Fetcher())

	env.ArtifactStore = "ftp"
	_, err = artifact.NewFromEnvironment(context.Background(), env, nil)
	assert.ErrorIs(t, err, fleet.ErrConfiguration)
}
