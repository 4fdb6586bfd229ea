// Package templates holds the catalog of one-click deployable apps.
package templates

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mini-cloud/edge/internal/models"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("template not found")

var builtins = []models.Template{
	{
		ID:          "static-site",
		Name:        "Static Site",
		GitURL:      "https://github.com/mini-cloud/template-static-site",
		Description: "Plain HTML, CSS and JavaScript served by nginx",
		Env:         map[string]string{},
	},
	{
		ID:          "node-express",
		Name:        "Node.js Express",
		GitURL:      "https://github.com/mini-cloud/template-node-express",
		Description: "Express REST API on Node.js",
		Env:         map[string]string{"NODE_ENV": "production", "PORT": "3000"},
	},
	{
		ID:          "python-flask",
		Name:        "Python Flask",
		GitURL:      "https://github.com/mini-cloud/template-python-flask",
		Description: "Flask web app served by gunicorn",
		Env:         map[string]string{"FLASK_ENV": "production", "PORT": "5000"},
	},
	{
		ID:          "go-http",
		Name:        "Go HTTP Server",
		GitURL:      "https://github.com/mini-cloud/template-go-http",
		Description: "Minimal net/http service",
		Env:         map[string]string{"PORT": "8080"},
	},
}

// Catalog is immutable once built and safe for concurrent use.
type Catalog struct {
	templates []models.Template
	byID      map[string]int
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, _ := newCatalog(builtins)
	return c
}

type catalogFile struct {
	Templates []models.Template `json:"templates" yaml:"templates"`
}

// LoadFile reads a catalog with a top-level "templates" list. Files ending
// in .json or .jsonc are parsed as JSON with comments and trailing commas;
// anything else as YAML. The file replaces the built-ins.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}

	var f catalogFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), &f)
	default:
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates file %s: %w", path, err)
	}
	if len(f.Templates) == 0 {
		return nil, fmt.Errorf("templates file %s defines no templates", path)
	}
	return newCatalog(f.Templates)
}

func newCatalog(list []models.Template) (*Catalog, error) {
	c := &Catalog{
		templates: make([]models.Template, 0, len(list)),
		byID:      make(map[string]int, len(list)),
	}
	for _, t := range list {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" || t.GitURL == "" {
			return nil, fmt.Errorf("template %q: id and git_url are required", t.Name)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		if t.Env == nil {
			t.Env = map[string]string{}
		}
		c.byID[t.ID] = len(c.templates)
		c.templates = append(c.templates, t)
	}
	return c, nil
}

// List returns the templates in catalog order.
func (c *Catalog) List() []models.Template {
	out := make([]models.Template, len(c.templates))
	for i, t := range c.templates {
		out[i] = cloneTemplate(t)
	}
	return out
}

func (c *Catalog) Get(id string) (models.Template, error) {
	i, ok := c.byID[id]
	if !ok {
		return models.Template{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneTemplate(c.templates[i]), nil
}

func cloneTemplate(t models.Template) models.Template {
	env := make(map[string]string, len(t.Env))
	for k, v := range t.Env {
		env[k] = v
	}
	t.Env = env
	return t
}
