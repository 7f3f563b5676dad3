package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBugReportCreatesArchiveWithRedactedConfigAndArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	fixture := setupBugreportFixture(t)

	var out bytes.Buffer
	require.NoError(t, runBugReport(context.Background(), &out))
	assert.Contains(t, out.String(), "Bug report written to:")

	archivePath := filepath.Join(fixture.cwd, ".benchbot-bugreport-20260211-100000.tar.gz")
	contents := extractTarballTextFiles(t, archivePath)

	for _, name := range []string{
		"README.txt",
		"home-config.toml",
		"project-config.toml",
		"environment.txt",
		"version.txt",
		"last-run.txt",
	} {
		assert.Contains(t, contents, name)
	}

	logCount := 0
	for name := range contents {
		if strings.HasPrefix(name, "logs/") {
			logCount++
		}
	}
	assert.Equal(t, 3, logCount, "only the most recent logs are bundled")

	homeConfig := contents["home-config.toml"]
	assert.NotContains(t, homeConfig, "supersecret")
	assert.Contains(t, homeConfig, "***REDACTED***")
	assert.Contains(t, homeConfig, `supervisor_address = "http://sim:10000/"`)
	assert.Contains(t, contents["project-config.toml"], `log_level = "debug"`)

	assert.Contains(t, contents["environment.txt"], "BENCHBOT_SUPERVISOR_ADDRESS=http://sim:10000/")
	assert.NotContains(t, contents["environment.txt"], "hunter2")
	assert.NotContains(t, contents["environment.txt"], "PATH=")

	assert.Contains(t, contents["last-run.txt"], "run-123")
	assert.Contains(t, contents["last-run.txt"], "trace-abc")
	assert.Contains(t, contents["version.txt"], "benchbot version:")
}

func TestRunBugReportHandlesMissingOptionalArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	home := filepath.Join(t.TempDir(), "home")
	cwd := filepath.Join(t.TempDir(), "cwd")
	require.NoError(t, os.MkdirAll(home, 0o750))
	require.NoError(t, os.MkdirAll(cwd, 0o750))

	bugreportHomeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 2, 11, 11, 0, 0, 0, time.UTC) }
	bugreportEnvironFn = func() []string { return nil }

	var out bytes.Buffer
	require.NoError(t, runBugReport(context.Background(), &out))

	archivePath := filepath.Join(cwd, ".benchbot-bugreport-20260211-110000.tar.gz")
	contents := extractTarballTextFiles(t, archivePath)
	readme := contents["README.txt"]
	assert.Contains(t, readme, "unable to read logs directory")
	assert.Contains(t, readme, "no run_id/trace_id found in copied logs")
	assert.Contains(t, contents["home-config.toml"], "config unavailable")
	assert.Contains(t, contents["project-config.toml"], "config unavailable")
	assert.Contains(t, contents["environment.txt"], "no BENCHBOT_ or OTEL_ variables set")
}

func TestRunBugReportFailsWithoutHomeDirectory(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	bugreportHomeDirFn = func() (string, error) { return "", errors.New("no home") }

	err := runBugReport(context.Background(), io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve home directory")
}

func TestRedactSensitiveConfig(t *testing.T) {
	input := "[telemetry]\napi_key = \"abc\"\npassword: def\nauth_token=ghi\nnormal = \"value\"\n"
	got := redactSensitiveConfig(input)

	assert.NotContains(t, got, "abc")
	assert.NotContains(t, got, "def")
	assert.NotContains(t, got, "ghi")
	assert.Equal(t, 3, strings.Count(got, "***REDACTED***"))
	assert.Contains(t, got, "[telemetry]")
	assert.Contains(t, got, `normal = "value"`)
}

func TestNewestFiles(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("benchbot-%d.log", i))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mod, mod))
	}

	files, err := newestFiles(dir, 2)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.True(t, strings.HasSuffix(files[0].path, "benchbot-4.log"))
	assert.True(t, strings.HasSuffix(files[1].path, "benchbot-3.log"))
}

func snapshotBugreportHooks() func() {
	prevNow := bugreportNowFn
	prevHomeDir := bugreportHomeDirFn
	prevGetwd := bugreportGetwdFn
	prevEnviron := bugreportEnvironFn
	return func() {
		bugreportNowFn = prevNow
		bugreportHomeDirFn = prevHomeDir
		bugreportGetwdFn = prevGetwd
		bugreportEnvironFn = prevEnviron
	}
}

func extractTarballTextFiles(t *testing.T, archivePath string) map[string]string {
	t.Helper()

	// #nosec G304 -- archivePath is generated in the test-owned temp directory.
	archiveFile, err := os.Open(archivePath)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, archiveFile.Close())
	}()

	gzipReader, err := gzip.NewReader(archiveFile)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, gzipReader.Close())
	}()

	tarReader := tar.NewReader(gzipReader)
	files := make(map[string]string)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tarReader)
		require.NoError(t, err, "read tar entry %s", header.Name)
		files[header.Name] = string(data)
	}
	require.NotEmpty(t, files, "archive %s is empty", archivePath)
	return files
}

type bugreportFixture struct {
	home string
	cwd  string
}

func setupBugreportFixture(t *testing.T) bugreportFixture {
	t.Helper()

	home := filepath.Join(t.TempDir(), "home")
	cwd := filepath.Join(t.TempDir(), "cwd")
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".benchbot", "logs"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(cwd, ".benchbot"), 0o750))

	baseTime := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	writeBugreportLog(t, home, "benchbot-1.log", `{"msg":"older"}`, baseTime.Add(-4*time.Minute))
	writeBugreportLog(t, home, "benchbot-2.log", `{"msg":"middle"}`, baseTime.Add(-3*time.Minute))
	writeBugreportLog(
		t,
		home,
		"benchbot-3.log",
		`{"msg":"step completed","run_id":"run-123","trace_id":"trace-abc"}`,
		baseTime.Add(-2*time.Minute),
	)
	writeBugreportLog(t, home, "benchbot.log", `{"msg":"newest"}`, baseTime.Add(-1*time.Minute))

	homeConfig := "supervisor_address = \"http://sim:10000/\"\n\n[telemetry]\napi_key = \"supersecret\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, ".benchbot", "config.toml"), []byte(homeConfig), 0o600))
	projectConfig := "log_level = \"debug\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(cwd, ".benchbot", "config.toml"), []byte(projectConfig), 0o600))

	bugreportHomeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC) }
	bugreportEnvironFn = func() []string {
		return []string{
			"PATH=/usr/bin",
			"BENCHBOT_SUPERVISOR_ADDRESS=http://sim:10000/",
			"OTEL_EXPORTER_OTLP_HEADERS_TOKEN=hunter2",
		}
	}

	return bugreportFixture{home: home, cwd: cwd}
}

func writeBugreportLog(t *testing.T, home, name, content string, modTime time.Time) {
	t.Helper()

	path := filepath.Join(home, ".benchbot", "logs", name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}
