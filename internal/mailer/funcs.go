package mailer

import (
	"fmt"
	htmltemplate "html/template"
	"regexp"
	"strings"
)

// passState is the per-pass output slot the template functions write into.
type passState struct {
	renderer   *Renderer
	renderType string
	preview    bool
	language   string
	subject    string
	attach     map[string]string
}

var paragraphBreak = regexp.MustCompile(`\n{2,}`)

// funcs returns the template functions bound to this pass:
//
//	subject      records the subject line and renders nothing
//	onlyhtml     true in the HTML pass
//	onlyplain    true in the plain pass
//	htmlify      paragraphs and line breaks in the HTML pass, unchanged otherwise
//	attach_static  embeds a static file and returns its cid: link (or URL in preview)
//	t            translation lookup in the request language
func (st *passState) funcs() map[string]any {
	return map[string]any{
		"subject": func(parts ...any) string {
			st.subject = strings.TrimSpace(fmt.Sprint(parts...))
			return ""
		},
		"onlyhtml": func() bool {
			return st.renderType == RenderTypeHTML
		},
		"onlyplain": func() bool {
			return st.renderType == RenderTypePlain
		},
		"htmlify": func(v any) any {
			s := fmt.Sprint(v)
			if st.renderType != RenderTypeHTML {
				return s
			}
			return htmltemplate.HTML(linebreaks(s)) //nolint:gosec // input is escaped by linebreaks
		},
		"attach_static": st.attachStatic,
		"t": func(key string, args ...any) string {
			return st.renderer.catalog.Translate(st.language, key, args...)
		},
	}
}

func (st *passState) attachStatic(filename string) (any, error) {
	filename = strings.TrimPrefix(filename, "/")
	if !st.renderer.staticExists(filename) {
		return nil, fmt.Errorf("%w: %s", ErrStaticNotFound, filename)
	}
	cid := ContentID(filename)
	st.attach[cid] = filename

	link := "cid:" + cid
	if st.preview {
		link = st.renderer.staticURL + "/" + filename
	}
	if st.renderType == RenderTypeHTML {
		return htmltemplate.URL(link), nil //nolint:gosec // cid links are generated here
	}
	return link, nil
}

// linebreaks escapes s and converts blank-line separated blocks into
// paragraphs and single newlines into <br>.
func linebreaks(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSpace(strings.ReplaceAll(s, "\r", "\n"))
	if s == "" {
		return ""
	}
	paras := paragraphBreak.Split(s, -1)
	for i, p := range paras {
		p = htmltemplate.HTMLEscapeString(p)
		paras[i] = "<p>" + strings.ReplaceAll(p, "\n", "<br>") + "</p>"
	}
	return strings.Join(paras, "\n\n")
}
