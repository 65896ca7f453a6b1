package mailer

import (
	"errors"
	"io/fs"
	"os"
)

// overlayFS serves files from upper and falls back to lower when a file is absent.
type overlayFS struct {
	upper fs.FS
	lower fs.FS
}

func (o overlayFS) Open(name string) (fs.File, error) {
	f, err := o.upper.Open(name)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return o.lower.Open(name)
}

// TemplatesWithOverride returns the embedded templates overlaid by dir, so a
// deployment can replace single templates. An empty dir returns the defaults.
func TemplatesWithOverride(dir string) fs.FS {
	if dir == "" {
		return DefaultTemplates()
	}
	return overlayFS{upper: os.DirFS(dir), lower: DefaultTemplates()}
}
