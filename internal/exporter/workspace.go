package exporter

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Workspace is the scratch area of one backend run. Files are collected in
// Dir and packed into Artifact, which lives outside Dir so Cleanup never
// removes the result the aggregator still has to collect.
type Workspace struct {
	Dir      string
	Artifact string
	parent   string
}

// NewWorkspace creates <root>/<code>/<key> and names the artifact <root>/<code>-<key>.zip.
func NewWorkspace(root, code string, key string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("export root is required")
	}
	if code == "" || strings.ContainsAny(code, `/\`) || strings.ContainsAny(key, `/\`) || key == "" {
		return nil, fmt.Errorf("invalid workspace name %q/%q", code, key)
	}
	parent := filepath.Join(root, code)
	dir := filepath.Join(parent, key)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{
		Dir:      dir,
		Artifact: filepath.Join(root, code+"-"+key+".zip"),
		parent:   parent,
	}, nil
}

// Path resolves name inside the workspace, refusing names that escape it.
func (w *Workspace) Path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid workspace path %q", name)
	}
	return filepath.Join(w.Dir, clean), nil
}

// WriteJSON stores v as indented JSON under name.
func (w *Workspace) WriteJSON(name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return w.WriteFile(name, strings.NewReader(string(b)+"\n"))
}

// WriteFile copies r into name, creating parent directories.
func (w *Workspace) WriteFile(name string, r io.Reader) error {
	p, err := w.Path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", name, err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return f.Close()
}

// Pack zips every regular file under Dir into Artifact. Entry names are
// slash-separated and relative to Dir. An empty workspace yields a nil Result.
func (w *Workspace) Pack() (*Result, error) {
	var files []string
	err := filepath.WalkDir(w.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	out, err := os.OpenFile(w.Artifact, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	zw := zip.NewWriter(out)
	for _, p := range files {
		if err := addZipFile(zw, w.Dir, p); err != nil {
			_ = zw.Close()
			_ = out.Close()
			_ = os.Remove(w.Artifact)
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(w.Artifact)
		return nil, fmt.Errorf("finish artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("close artifact: %w", err)
	}
	return &Result{Path: w.Artifact, Entries: len(files)}, nil
}

func addZipFile(zw *zip.Writer, root, p string) error {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return fmt.Errorf("relative path: %w", err)
	}
	in, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer func() { _ = in.Close() }()

	dst, err := zw.Create(filepath.ToSlash(rel))
	if err != nil {
		return fmt.Errorf("add %s: %w", rel, err)
	}
	if _, err := io.Copy(dst, in); err != nil {
		return fmt.Errorf("copy %s: %w", rel, err)
	}
	return nil
}

// Cleanup removes Dir, and the per-export parent once no backend uses it.
// The artifact is left for the aggregator.
func (w *Workspace) Cleanup() error {
	if err := os.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	if entries, err := os.ReadDir(w.parent); err == nil && len(entries) == 0 {
		_ = os.Remove(w.parent)
	}
	return nil
}
