package invocation_test

import (
	"archive/zip"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torosent/crankfleet/internal/artifact"
	"github.com/torosent/crankfleet/internal/config"
	"github.com/torosent/crankfleet/internal/fleet"
	"github.com/torosent/crankfleet/internal/invocation"
	"github.com/torosent/crankfleet/internal/provider/providertest"
)

type runnerFunc func(ctx context.Context, req fleet.RunRequest) (*fleet.RunResult, error)

func (f runnerFunc) Run(ctx context.Context, req fleet.RunRequest) (*fleet.RunResult, error) {
	return f(ctx, req)
}

func validRequest() fleet.RunRequest {
	return fleet.RunRequest{
		RunID:            "run-1",
		Regions:          map[string]int{"us-east-1": 2},
		ArtifactLocation: "./plans",
	}
}

func TestHandleSuccess(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, req fleet.RunRequest) (*fleet.RunResult, error) {
		res := fleet.NewRunResult(req.RunID)
		res.AddLaunched(&fleet.WorkerInstance{Handle: "t-1", Region: "us-east-1"})
		res.ReadyAddresses = []string{"10.0.0.1"}
		res.CoordinatorTask = "t-master"
		return res, nil
	})

	resp := invocation.Handle(context.Background(), runner, validRequest(), nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, resp.OK())
	assert.Equal(t, "run-1", resp.Body.RunID)
	assert.Equal(t, "t-master", resp.Body.CoordinatorTask)
	assert.Equal(t, map[string][]string{"us-east-1": {"t-1"}}, resp.Body.LaunchedWorkers)
	assert.Equal(t, []string{"10.0.0.1"}, resp.Body.ReadyAddresses)
	assert.Empty(t, resp.Body.Error)
	assert.Empty(t, resp.Body.StackTrace)
}

func TestHandleFailureKeepsLaunchedWorkers(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, req fleet.RunRequest) (*fleet.RunResult, error) {
		res := fleet.NewRunResult(req.RunID)
		res.AddLaunched(&fleet.WorkerInstance{Handle: "t-1", Region: "us-east-1"})
		return res, fleet.LaunchError("us-east-1", errors.New("RESOURCE:MEMORY"))
	})

	resp := invocation.Handle(context.Background(), runner, validRequest(), nil)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, resp.Body.Error, "launch error in us-east-1: RESOURCE:MEMORY")
	assert.Contains(t, resp.Body.StackTrace, "invocation_test")
	assert.Equal(t, map[string][]string{"us-east-1": {"t-1"}}, resp.Body.LaunchedWorkers)
	assert.Equal(t, []string{}, resp.Body.ReadyAddresses)
}

func TestHandleInvalidRequest(t *testing.T) {
	called := false
	runner := runnerFunc(func(context.Context, fleet.RunRequest) (*fleet.RunResult, error) {
		called = true
		return nil, nil
	})

	resp := invocation.Handle(context.Background(), runner, fleet.RunRequest{RunID: "run-1"}, nil)

	assert.False(t, called)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, resp.Body.Error, "configuration error")
	assert.Contains(t, resp.Body.Error, "at least one region is required")
	assert.Equal(t, "run-1", resp.Body.RunID)
	assert.NotNil(t, resp.Body.LaunchedWorkers)
}

func TestHandleRecoversPanic(t *testing.T) {
	runner := runnerFunc(func(context.Context, fleet.RunRequest) (*fleet.RunResult, error) {
		panic("boom")
	})

	resp := invocation.Handle(context.Background(), runner, validRequest(), nil)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "panic: boom", resp.Body.Error)
	assert.Contains(t, resp.Body.StackTrace, "goroutine")
	assert.Equal(t, "run-1", resp.Body.RunID)
}

func TestHandleGeneratesRunID(t *testing.T) {
	var got string
	runner := runnerFunc(func(_ context.Context, req fleet.RunRequest) (*fleet.RunResult, error) {
		got = req.RunID
		return fleet.NewRunResult(req.RunID), nil
	})
	in := validRequest()
	in.RunID = ""

	resp := invocation.Handle(context.Background(), runner, in, nil)

	require.NotEmpty(t, got)
	assert.Equal(t, got, resp.Body.RunID)
}

func testEnvironment(t *testing.T, port int) config.Environment {
	t.Helper()
	dir := t.TempDir()
	env, err := config.EnvironmentFrom(map[string]string{
		"CRANKFLEET_PROVIDER": "kubernetes",
		"ARTIFACT_STORE":      "local",
		"WORK_DIR":            filepath.Join(dir, "work"),
		"LOCAL_STORE_DIR":     filepath.Join(dir, "store"),
		"WORKER_CONTROL_PORT": strconv.Itoa(port),
		"READY_TIMEOUT":       "1s",
		"POLL_INTERVAL":       "10ms",
	})
	require.NoError(t, err)
	return env
}

func listen(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func planDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.jmx"), []byte("<jmeterTestPlan/>"), 0o644))
	return dir
}

func TestInvokerEndToEnd(t *testing.T) {
	port := listen(t)
	env := testEnvironment(t, port)
	fake := providertest.New()
	fake.Address = func(fleet.WorkerSpec) string { return "127.0.0.1" }

	inv, err := invocation.New(context.Background(), env, invocation.SettingsFromEnvironment(env), invocation.Options{Client: fake})
	require.NoError(t, err)

	resp := inv.Invoke(context.Background(), fleet.RunRequest{
		RunID:            "run-1",
		Regions:          map[string]int{"local": 1},
		ArtifactLocation: planDir(t),
	})

	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body.Error)
	assert.Equal(t, "task/local/coordinator/0", resp.Body.CoordinatorTask)
	assert.Equal(t, []string{"127.0.0.1"}, resp.Body.ReadyAddresses)

	launches := fake.Launches()
	require.Len(t, launches, 2)
	coord := launches[1]
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(port), coord.Env["JMETER_SLAVE_HOSTS"])
	assert.Equal(t, filepath.Join(env.LocalStoreDir, "test", "run-1", "test.jmx"), coord.Env["TEST_PLAN_S3"])
	assert.FileExists(t, coord.Env["TEST_PLAN_S3"])

	stats := inv.Collector().Stats()
	assert.Contains(t, stats.Series, "launch")
	assert.Contains(t, stats.Series, "time_to_ready")
}

func TestInvokerRunsKeepSeparateMetrics(t *testing.T) {
	port := listen(t)
	env := testEnvironment(t, port)
	fake := providertest.New()
	fake.Address = func(fleet.WorkerSpec) string { return "127.0.0.1" }

	inv, err := invocation.New(context.Background(), env, invocation.SettingsFromEnvironment(env), invocation.Options{Client: fake})
	require.NoError(t, err)
	plans := planDir(t)

	first := inv.Invoke(context.Background(), fleet.RunRequest{RunID: "run-a", Regions: map[string]int{"local": 1}, ArtifactLocation: plans})
	require.True(t, first.OK(), first.Body.Error)
	firstStats := inv.Collector().Stats()

	second := inv.Invoke(context.Background(), fleet.RunRequest{RunID: "run-b", Regions: map[string]int{"local": 1}, ArtifactLocation: plans})
	require.True(t, second.OK(), second.Body.Error)
	secondStats := inv.Collector().Stats()

	assert.Equal(t, firstStats.Series["launch"].Count, secondStats.Series["launch"].Count)
	assert.Equal(t, int64(2), secondStats.Series["launch"].Count)
}

func TestInvokerAppliesDeploymentImages(t *testing.T) {
	port := listen(t)
	env := testEnvironment(t, port)
	env.WorkerImage = "registry.local/jmeter-slave:5.6"
	env.CoordinatorImage = "registry.local/jmeter-master:5.6"
	fake := providertest.New()
	fake.Address = func(fleet.WorkerSpec) string { return "127.0.0.1" }

	inv, err := invocation.New(context.Background(), env, invocation.SettingsFromEnvironment(env), invocation.Options{Client: fake})
	require.NoError(t, err)
	resp := inv.Invoke(context.Background(), fleet.RunRequest{RunID: "run-img", Regions: map[string]int{"local": 1}, ArtifactLocation: planDir(t)})
	require.True(t, resp.OK(), resp.Body.Error)

	launches := fake.Launches()
	require.Len(t, launches, 2)
	assert.Equal(t, "registry.local/jmeter-slave:5.6", launches[0].Image)
	assert.Equal(t, "jmeter-slave", launches[0].Container)
	assert.Equal(t, "registry.local/jmeter-master:5.6", launches[1].Image)
}

func TestInvokerLaunchFailureIs500(t *testing.T) {
	env := testEnvironment(t, 1099)
	fake := providertest.New()
	fake.LaunchErr = func(fleet.WorkerSpec) error { return errors.New("quota exceeded") }

	inv, err := invocation.New(context.Background(), env, invocation.SettingsFromEnvironment(env), invocation.Options{Client: fake})
	require.NoError(t, err)

	resp := inv.Invoke(context.Background(), fleet.RunRequest{
		RunID:            "run-2",
		Regions:          map[string]int{"local": 3},
		ArtifactLocation: planDir(t),
	})

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, resp.Body.Error, "quota exceeded")
	assert.NotEmpty(t, resp.Body.StackTrace)
	assert.Empty(t, resp.Body.LaunchedWorkers)
	assert.Len(t, fake.Launches(), 1)
}

func TestNewRejectsBadSettings(t *testing.T) {
	env := testEnvironment(t, 1099)

	_, err := invocation.New(context.Background(), env, invocation.Settings{MinReady: []string{"ready:bogus >= 1"}}, invocation.Options{Client: providertest.New()})
	assert.True(t, errors.Is(err, fleet.ErrConfiguration))

	env.Provider = "nomad"
	_, err = invocation.New(context.Background(), env, invocation.Settings{}, invocation.Options{})
	assert.True(t, errors.Is(err, fleet.ErrConfiguration))
	assert.Contains(t, err.Error(), "unknown provider")
}

type zipDownloader struct {
	files map[string]string
	keys  []string
}

func (d *zipDownloader) Download(_ context.Context, bucket, key, dest string) error {
	d.keys = append(d.keys, bucket+"/"+key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for name, body := range d.files {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte(body)); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Close()
}

func TestRequestFromObject(t *testing.T) {
	env := testEnvironment(t, 1099)
	dl := &zipDownloader{files: map[string]string{
		"test.jmx":    "<jmeterTestPlan/>",
		"config.json": `{"slave_count": 4, "number_of_threads": 50, "duration": 300}`,
	}}
	pipeline := artifact.NewPipeline(artifact.NewFetcher(env.WorkDir, dl, nil), artifact.NewLocalStore(env.LocalStoreDir), "test/", nil)

	inv, err := invocation.New(context.Background(), env, invocation.SettingsFromEnvironment(env), invocation.Options{
		Client:   providertest.New(),
		Pipeline: pipeline,
	})
	require.NoError(t, err)

	req, err := inv.RequestFromObject(context.Background(), "uploads", "plans/load.zip")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"us-east-1": 4}, req.Regions)
	assert.Equal(t, "s3://uploads/plans/load.zip", req.ArtifactLocation)
	assert.Equal(t, "50", req.ExtraConfig["number_of_threads"])
	assert.Equal(t, "10", req.ExtraConfig["ramp_up_time"])
	assert.Equal(t, "300", req.ExtraConfig["duration"])
	assert.Equal(t, []string{"uploads/plans/load.zip"}, dl.keys)
}

func TestRequestFromObjectRequiresManifest(t *testing.T) {
	env := testEnvironment(t, 1099)
	dl := &zipDownloader{files: map[string]string{"test.jmx": "<jmeterTestPlan/>"}}
	pipeline := artifact.NewPipeline(artifact.NewFetcher(env.WorkDir, dl, nil), artifact.NewLocalStore(env.LocalStoreDir), "test/", nil)

	inv, err := invocation.New(context.Background(), env, invocation.Settings{}, invocation.Options{
		Client:   providertest.New(),
		Pipeline: pipeline,
	})
	require.NoError(t, err)

	_, err = inv.RequestFromObject(context.Background(), "uploads", "plain.zip")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fleet.ErrConfiguration))
	assert.Contains(t, err.Error(), "config.json")
}
