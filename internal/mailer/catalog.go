package mailer

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed i18n/*.yaml
var catalogFS embed.FS

//go:embed templates
var templatesFS embed.FS

// DefaultLanguage is used when a message is missing in the requested language.
const DefaultLanguage = "nl"

// DefaultTemplates returns the embedded mail templates.
func DefaultTemplates() fs.FS {
	sub, err := fs.Sub(templatesFS, "templates")
	if err != nil {
		//nolint:forbidigo // embedded directory is fixed at build time
		panic(err)
	}
	return sub
}

// Catalog holds translated messages per language. Keys are dotted paths of
// the YAML documents, e.g. "report.subject".
type Catalog struct {
	messages map[string]map[string]string
}

// DefaultCatalog loads the embedded nl and en catalogs.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(catalogFS, "i18n")
}

// LoadCatalog reads every <lang>.yaml file in dir.
func LoadCatalog(fsys fs.FS, dir string) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}
	c := &Catalog{messages: map[string]map[string]string{}}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".yaml" {
			continue
		}
		lang := strings.TrimSuffix(e.Name(), ".yaml")
		raw, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", lang, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", lang, err)
		}
		msgs := map[string]string{}
		flatten("", doc, msgs)
		c.messages[lang] = msgs
	}
	return c, nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]any:
			flatten(key, vv, out)
		default:
			out[key] = fmt.Sprint(vv)
		}
	}
}

// Languages lists the loaded languages.
func (c *Catalog) Languages() []string {
	langs := make([]string, 0, len(c.messages))
	for l := range c.messages {
		langs = append(langs, l)
	}
	return langs
}

// Translate looks key up in lang, then its base language, then DefaultLanguage.
// Unknown keys render as the key itself. Args are applied with fmt.Sprintf.
func (c *Catalog) Translate(lang, key string, args ...any) string {
	msg, ok := c.lookup(lang, key)
	if !ok {
		return key
	}
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

func (c *Catalog) lookup(lang, key string) (string, bool) {
	lang = strings.ToLower(strings.TrimSpace(lang))
	candidates := []string{lang}
	if base, _, found := strings.Cut(lang, "-"); found {
		candidates = append(candidates, base)
	}
	candidates = append(candidates, DefaultLanguage)
	for _, l := range candidates {
		if msg, ok := c.messages[l][key]; ok {
			return msg, true
		}
	}
	return "", false
}
