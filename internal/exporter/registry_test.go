package exporter

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExporter struct {
	base
	result *Result
	err    error
}

func (f *fakeExporter) Export(context.Context, Request) (*Result, error) {
	return f.result, f.err
}

type checkFunc func(ctx context.Context) error

func (f checkFunc) Check(ctx context.Context) error { return f(ctx) }

func testExport(code string) *model.DataExport {
	pid := "42"
	return &model.DataExport{ID: "exp-1", DownloadCode: code, PersonID: &pid}
}

func zipEntries(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()

	out := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		out[f.Name] = string(b)
	}
	return out
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestDefaultEnabled(t *testing.T) {
	tests := []struct {
		key  model.ApplicationKey
		want bool
	}{
		{model.AppAmelie, true},
		{model.AppAmelieFiles, false},
		{model.AppAlexia, true},
		{model.AppGitLab, true},
		{model.AppHomedir, false},
		{model.ApplicationKey("Nope"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.key), func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultEnabled(tt.key))
		})
	}
}

func TestRegistry_RegisterRejectsUnknownAndDuplicate(t *testing.T) {
	r := NewRegistry(RegistryOptions{Root: t.TempDir()})
	factory := func(ws *Workspace) (Exporter, error) { return &fakeExporter{base: base{ws: ws}}, nil }

	err := r.Register("Nope", factory, nil, BackendSettings{Enabled: true})
	require.ErrorIs(t, err, model.ErrUnknownApplication)

	require.NoError(t, r.Register(model.AppAmelie, factory, nil, BackendSettings{Enabled: true}))
	require.Error(t, r.Register(model.AppAmelie, factory, nil, BackendSettings{Enabled: true}))
	require.Error(t, r.Register(model.AppGitLab, nil, nil, BackendSettings{Enabled: true}))
}

func TestRegistry_SettingsDefaultsAndOverrides(t *testing.T) {
	r := NewRegistry(RegistryOptions{Root: t.TempDir()})
	factory := func(ws *Workspace) (Exporter, error) { return &fakeExporter{base: base{ws: ws}}, nil }
	require.NoError(t, r.Register(model.AppAmelie, factory, nil, BackendSettings{Enabled: true}))
	require.NoError(t, r.Register(model.AppGitLab, factory, nil, BackendSettings{Enabled: true, MaxRetries: 3}))
	require.NoError(t, r.Register(model.AppHomedir, factory, nil, BackendSettings{}))

	s, ok := r.Settings(model.AppAmelie)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxRetries, s.MaxRetries)
	assert.Equal(t, DefaultTimeout, s.Timeout)

	overrides, err := ParseOverrides(strings.NewReader(`
backends:
  GitLabDataExporter:
    max_retries: 5
    timeout: 30m
  HomedirDataExporter:
    enabled: true
  AlexiaDataExporter:
    enabled: false
`))
	require.NoError(t, err)
	r.Apply(overrides)

	s, _ = r.Settings(model.AppGitLab)
	assert.Equal(t, 5, s.MaxRetries)
	assert.Equal(t, 30*time.Minute, s.Timeout)
	assert.True(t, s.Enabled)

	assert.Equal(t,
		[]model.ApplicationKey{model.AppAmelie, model.AppGitLab, model.AppHomedir},
		r.Enabled())

	_, ok = r.Settings(model.AppAlexia)
	assert.False(t, ok)
}

func TestParseOverrides_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown backend", "backends:\n  FooExporter:\n    enabled: true\n"},
		{"unknown field", "backends:\n  GitLabDataExporter:\n    retries: 2\n"},
		{"zero retries", "backends:\n  GitLabDataExporter:\n    max_retries: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOverrides(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}

	got, err := ParseOverrides(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadOverrides_EmptyPath(t *testing.T) {
	got, err := LoadOverrides("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = LoadOverrides(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRegistry_Open(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(RegistryOptions{Root: root})
	var opened *Workspace
	require.NoError(t, r.Register(model.AppAmelie, func(ws *Workspace) (Exporter, error) {
		opened = ws
		return &fakeExporter{base: base{ws: ws}}, nil
	}, nil, BackendSettings{Enabled: true}))
	require.NoError(t, r.Register(model.AppHomedir, func(ws *Workspace) (Exporter, error) {
		return &fakeExporter{base: base{ws: ws}}, nil
	}, nil, BackendSettings{Enabled: false}))

	exp, err := r.Open(model.AppAmelie, testExport("code-1"))
	require.NoError(t, err)
	require.NotNil(t, opened)
	assert.Equal(t, filepath.Join(root, "code-1", string(model.AppAmelie)), opened.Dir)
	assert.Equal(t, filepath.Join(root, "code-1-AmelieDataExporter.zip"), opened.Artifact)
	assert.DirExists(t, opened.Dir)

	require.NoError(t, exp.Cleanup())
	assert.NoDirExists(t, opened.Dir)
	assert.NoDirExists(t, filepath.Join(root, "code-1"))

	_, err = r.Open(model.AppHomedir, testExport("code-1"))
	require.ErrorIs(t, err, ErrBackendDisabled)

	_, err = r.Open(model.AppGitLab, testExport("code-1"))
	require.ErrorIs(t, err, ErrBackendNotRegistered)
}

func TestRegistry_OpenInitFailureRemovesWorkspace(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(RegistryOptions{Root: root})
	boom := errors.New("no credentials")
	var dir string
	require.NoError(t, r.Register(model.AppGitLab, func(ws *Workspace) (Exporter, error) {
		dir = ws.Dir
		return nil, boom
	}, nil, BackendSettings{Enabled: true}))

	_, err := r.Open(model.AppGitLab, testExport("code-2"))
	require.ErrorIs(t, err, boom)
	assert.NoDirExists(t, dir)
}

func TestRegistry_CheckRunsEnabledCheckers(t *testing.T) {
	r := NewRegistry(RegistryOptions{Root: t.TempDir()})
	factory := func(ws *Workspace) (Exporter, error) { return &fakeExporter{base: base{ws: ws}}, nil }
	down := errors.New("connection refused")

	require.NoError(t, r.Register(model.AppAmelie, factory,
		checkFunc(func(context.Context) error { return nil }), BackendSettings{Enabled: true}))
	require.NoError(t, r.Register(model.AppGitLab, factory,
		checkFunc(func(context.Context) error { return down }), BackendSettings{Enabled: true}))
	require.NoError(t, r.Register(model.AppHomedir, factory,
		checkFunc(func(context.Context) error { return down }), BackendSettings{Enabled: false}))
	require.NoError(t, r.Register(model.AppAlexia, factory, nil, BackendSettings{Enabled: true}))

	failures := r.Check(context.Background())
	assert.Equal(t, map[model.ApplicationKey]error{model.AppGitLab: down}, failures)
}

func TestWorkspace_PackAndCleanup(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(root, "abc", "AmelieDataExporter")
	require.NoError(t, err)

	res, err := ws.Pack()
	require.NoError(t, err)
	assert.Nil(t, res, "empty workspace has nothing to export")

	require.NoError(t, ws.WriteJSON("member.json", map[string]string{"name": "Ada"}))
	require.NoError(t, ws.WriteFile("files/a.txt", strings.NewReader("hello")))

	res, err = ws.Pack()
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Entries)
	assert.Equal(t, filepath.Join(root, "abc-AmelieDataExporter.zip"), res.Path)

	entries := zipEntries(t, res.Path)
	assert.Equal(t, []string{"files/a.txt", "member.json"}, keys(entries))
	assert.Equal(t, "hello", entries["files/a.txt"])
	assert.JSONEq(t, `{"name":"Ada"}`, entries["member.json"])

	require.NoError(t, ws.Cleanup())
	assert.NoDirExists(t, ws.Dir)
	assert.FileExists(t, res.Path, "artifact outlives the workspace")
}

func TestWorkspace_RejectsEscapingPaths(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "abc", "k")
	require.NoError(t, err)

	for _, name := range []string{"../x", "/etc/passwd", "..", "."} {
		_, err := ws.Path(name)
		assert.Error(t, err, name)
	}
	p, err := ws.Path("a/b.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Dir, "a", "b.json"), p)

	_, err = NewWorkspace(t.TempDir(), "../abc", "k")
	assert.Error(t, err)
	_, err = NewWorkspace("", "abc", "k")
	assert.Error(t, err)
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.zip")
	dst := filepath.Join(dir, "dst.zip")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o600))

	require.NoError(t, moveFile(src, dst))
	assert.NoFileExists(t, src)
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "data", string(b))
}
