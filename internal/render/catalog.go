package render

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

//go:embed texts.yaml
var defaultTexts []byte

var ErrMissingText = errors.New("text not found")

// Catalog is a flat dotted-key view of the message texts.
type Catalog struct {
	texts map[string]string
}

// LoadCatalog parses the embedded texts and overlays path when it is set.
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{texts: map[string]string{}}
	if err := c.merge(defaultTexts); err != nil {
		return nil, fmt.Errorf("embedded texts: %w", err)
	}
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read texts: %w", err)
		}
		if err := c.merge(b); err != nil {
			return nil, fmt.Errorf("texts %s: %w", path, err)
		}
	}
	for _, st := range []string{"activate", "deactivate", "deactivate_with_duration"} {
		if _, ok := c.texts["unknown."+st]; !ok {
			return nil, fmt.Errorf("unknown.%s: %w", st, ErrMissingText)
		}
	}
	return c, nil
}

func (c *Catalog) merge(b []byte) error {
	var root map[string]any
	if err := yaml.Unmarshal(b, &root); err != nil {
		return err
	}
	return flatten("", root, c.texts)
}

func flatten(prefix string, in map[string]any, out map[string]string) error {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch vv := v.(type) {
		case string:
			out[key] = vv
		case map[string]any:
			if err := flatten(key, vv, out); err != nil {
				return err
			}
		case nil:
			delete(out, key)
		default:
			return fmt.Errorf("%s: expected string or mapping, got %T", key, v)
		}
	}
	return nil
}

// Get returns the text stored under a dotted key.
func (c *Catalog) Get(key string) (string, bool) {
	s, ok := c.texts[key]
	return s, ok
}

// Text returns the text for key with {name} placeholders replaced from
// pairs (name, value, name, value...). Missing keys render as the key itself.
func (c *Catalog) Text(key string, pairs ...string) string {
	s, ok := c.texts[key]
	if !ok {
		return key
	}
	return Fill(s, pairs...)
}

func (c *Catalog) Keys() []string {
	out := make([]string, 0, len(c.texts))
	for k := range c.texts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Fill replaces {name} placeholders. Unknown placeholders are left as is.
func Fill(s string, pairs ...string) string {
	if len(pairs) < 2 {
		return s
	}
	args := make([]string, 0, len(pairs))
	for i := 0; i+1 < len(pairs); i += 2 {
		args = append(args, "{"+pairs[i]+"}", pairs[i+1])
	}
	return strings.NewReplacer(args...).Replace(s)
}
