// Package mailer renders mail templates and delivers the resulting messages.
//
// A template is rendered twice from the same source: once as plain text with
// text/template and once as HTML with html/template. Templates record their
// subject and inline images through template functions; see templateFuncs.
package mailer

import (
	"bytes"
	"crypto/md5" //nolint:gosec // content id, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"mime"
	"path"
	"sort"
	"strings"
	texttemplate "text/template"

	"github.com/inter-actief/courier/internal/domain/model"
)

var (
	// ErrReservedKey is returned when a caller context uses a key the renderer injects.
	ErrReservedKey = errors.New("reserved key in mail context")
	// ErrNoSubject is returned when neither render pass produced a subject.
	ErrNoSubject = errors.New("no subject defined for mail")
	// ErrTemplateNotFound is returned when a named template does not exist.
	ErrTemplateNotFound = errors.New("mail template not found")
	// ErrStaticNotFound is returned when an inline attachment references a missing file.
	ErrStaticNotFound = errors.New("static file not found")
	// ErrInvalidContentID is returned when a content id does not match its file.
	ErrInvalidContentID = errors.New("content id does not match static file")
)

// Reserved context keys.
const (
	KeyRenderPreview = "render_preview"
	KeyRenderType    = "render_type"
	KeySubject       = "subject"
	KeyAttachStatic  = "attach_static"
)

// Render types exposed to templates as .render_type.
const (
	RenderTypePlain = "text/plain"
	RenderTypeHTML  = "text/html"
)

var reservedKeys = []string{KeyRenderPreview, KeyRenderType, KeySubject, KeyAttachStatic}

// CheckContext rejects a context that collides with a reserved key.
func CheckContext(ctx map[string]any) error {
	for _, k := range reservedKeys {
		if _, ok := ctx[k]; ok {
			return fmt.Errorf("%w: %s", ErrReservedKey, k)
		}
	}
	return nil
}

// ContentID returns the content id used for an inline static file.
func ContentID(filename string) string {
	sum := md5.Sum([]byte(filename)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// InlinePart is a static file referenced from the HTML body by content id.
type InlinePart struct {
	CID         string
	Filename    string
	ContentType string
	Data        []byte
}

// RenderRequest describes one render of one template for one recipient.
type RenderRequest struct {
	Template model.TemplateChoice
	Context  map[string]any
	Language string
	// Preview renders static references as URLs instead of cid: links.
	Preview bool
}

// Rendered is the output of both render passes.
type Rendered struct {
	Subject string
	Text    string
	HTML    string
	Inline  []InlinePart
}

// RendererOptions configures NewRenderer.
type RendererOptions struct {
	Templates fs.FS // nil uses the embedded templates
	Static    fs.FS // root for attach_static lookups
	StaticURL string
	Catalog   *Catalog
}

// Renderer renders mail templates. It is safe for concurrent use.
type Renderer struct {
	templates fs.FS
	static    fs.FS
	staticURL string
	catalog   *Catalog
}

// NewRenderer builds a Renderer. Missing options fall back to the embedded
// templates and catalog.
func NewRenderer(opts RendererOptions) (*Renderer, error) {
	templates := opts.Templates
	if templates == nil {
		templates = DefaultTemplates()
	}
	catalog := opts.Catalog
	if catalog == nil {
		var err error
		catalog, err = DefaultCatalog()
		if err != nil {
			return nil, err
		}
	}
	return &Renderer{
		templates: templates,
		static:    opts.Static,
		staticURL: strings.TrimRight(opts.StaticURL, "/"),
		catalog:   catalog,
	}, nil
}

// Render renders the plain and rich variants and resolves inline parts of the rich one.
func (r *Renderer) Render(req RenderRequest) (*Rendered, error) {
	if err := req.Template.Validate(); err != nil {
		return nil, err
	}
	if err := CheckContext(req.Context); err != nil {
		return nil, err
	}

	name, src, err := r.source(req.Template)
	if err != nil {
		return nil, err
	}

	plain, err := r.renderPass(name, src, req, RenderTypePlain)
	if err != nil {
		return nil, fmt.Errorf("render plain: %w", err)
	}
	rich, err := r.renderPass(name, src, req, RenderTypeHTML)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	subject := rich.subject
	if subject == "" {
		subject = plain.subject
	}
	if subject == "" {
		return nil, ErrNoSubject
	}

	inline, err := r.resolveInline(rich.attach)
	if err != nil {
		return nil, err
	}

	return &Rendered{
		Subject: subject,
		Text:    plain.body,
		HTML:    rich.body,
		Inline:  inline,
	}, nil
}

func (r *Renderer) source(choice model.TemplateChoice) (string, string, error) {
	if strings.TrimSpace(choice.Source) != "" {
		return "inline", choice.Source, nil
	}
	name := strings.TrimPrefix(path.Clean(choice.Name), "/")
	if !fs.ValidPath(name) {
		return "", "", fmt.Errorf("%w: %s", ErrTemplateNotFound, choice.Name)
	}
	b, err := fs.ReadFile(r.templates, name)
	if errors.Is(err, fs.ErrNotExist) {
		return "", "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	if err != nil {
		return "", "", fmt.Errorf("read template %s: %w", name, err)
	}
	return name, string(b), nil
}

type passResult struct {
	body    string
	subject string
	attach  map[string]string
}

func (r *Renderer) renderPass(name, src string, req RenderRequest, renderType string) (*passResult, error) {
	st := &passState{
		renderer:   r,
		renderType: renderType,
		preview:    req.Preview,
		language:   req.Language,
		attach:     map[string]string{},
	}

	data := make(map[string]any, len(req.Context)+2)
	for k, v := range req.Context {
		data[k] = v
	}
	data[KeyRenderPreview] = req.Preview
	data[KeyRenderType] = renderType

	var buf bytes.Buffer
	if renderType == RenderTypeHTML {
		t, err := htmltemplate.New(name).Funcs(htmltemplate.FuncMap(st.funcs())).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse template: %w", err)
		}
		if err := t.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("execute template: %w", err)
		}
	} else {
		t, err := texttemplate.New(name).Funcs(texttemplate.FuncMap(st.funcs())).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse template: %w", err)
		}
		if err := t.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("execute template: %w", err)
		}
	}

	return &passResult{
		body:    strings.TrimSpace(buf.String()) + "\n",
		subject: st.subject,
		attach:  st.attach,
	}, nil
}

func (r *Renderer) staticExists(filename string) bool {
	if r.static == nil || !fs.ValidPath(filename) {
		return false
	}
	info, err := fs.Stat(r.static, filename)
	return err == nil && !info.IsDir()
}

// resolveInline loads every attach_static request. The content id is
// recomputed from the filename before the file is trusted.
func (r *Renderer) resolveInline(attach map[string]string) ([]InlinePart, error) {
	if len(attach) == 0 {
		return nil, nil
	}
	cids := make([]string, 0, len(attach))
	for cid := range attach {
		cids = append(cids, cid)
	}
	sort.Strings(cids)

	parts := make([]InlinePart, 0, len(cids))
	for _, cid := range cids {
		filename := attach[cid]
		if cid != ContentID(filename) {
			return nil, fmt.Errorf("%w: %s for %s", ErrInvalidContentID, cid, filename)
		}
		if !r.staticExists(filename) {
			return nil, fmt.Errorf("%w: %s", ErrStaticNotFound, filename)
		}
		data, err := fs.ReadFile(r.static, filename)
		if err != nil {
			return nil, fmt.Errorf("read static %s: %w", filename, err)
		}
		ct := mime.TypeByExtension(path.Ext(filename))
		if ct == "" {
			ct = "application/octet-stream"
		}
		parts = append(parts, InlinePart{
			CID:         cid,
			Filename:    path.Base(filename),
			ContentType: ct,
			Data:        data,
		})
	}
	return parts, nil
}
