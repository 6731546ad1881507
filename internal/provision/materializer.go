// Package provision renders the per-space configuration document consumed
// by the downstream relay provisioning process. One YAML file per approved
// schema, plus point edits by dotted key path.
package provision

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/noah-isme/space-intake-api/internal/models"
	"github.com/noah-isme/space-intake-api/pkg/storage"
)

// document is the rendered shape of a space config file.
type document struct {
	Host   string `yaml:"host"`
	Schema string `yaml:"schema"`
	Secret string `yaml:"secret"`
	Info   struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Image       string `yaml:"image,omitempty"`
		Pubkey      string `yaml:"pubkey"`
	} `yaml:"info"`
	Admins []string `yaml:"admins"`
}

// Materializer writes space config documents into the config directory.
type Materializer struct {
	store        *storage.LocalStorage
	domainSuffix string
	admins       []string
}

// New builds a Materializer. admins is the operator pubkey allow-list
// stamped into every document.
func New(store *storage.LocalStorage, domainSuffix string, admins []string) *Materializer {
	return &Materializer{store: store, domainSuffix: domainSuffix, admins: admins}
}

// Host derives the public host name for a schema.
func (m *Materializer) Host(schema string) string {
	if m.domainSuffix == "" {
		return schema
	}
	return schema + "." + m.domainSuffix
}

// Write renders and persists the config document for an application,
// overwriting any previous file for the same schema.
func (m *Materializer) Write(app *models.Application, secret string) (string, error) {
	doc := document{
		Host:   m.Host(app.Schema),
		Schema: app.Schema,
		Secret: secret,
		Admins: m.admins,
	}
	doc.Info.Name = app.Name
	doc.Info.Description = app.Description
	doc.Info.Image = app.Image
	doc.Info.Pubkey = app.Pubkey
	if doc.Admins == nil {
		doc.Admins = []string{}
	}

	raw, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render config for %s: %w", app.Schema, err)
	}
	if err := m.store.Save(filename(app.Schema), raw); err != nil {
		return "", err
	}
	return doc.Host, nil
}

// SetPath rewrites a single value addressed by a dotted key path, e.g.
// "info.pubkey". All sibling keys keep their values; the full render
// pipeline is not involved.
func (m *Materializer) SetPath(schema, path, value string) error {
	raw, err := m.store.Load(filename(schema))
	if err != nil {
		return err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return fmt.Errorf("parse config for %s: %w", schema, err)
	}
	if len(root.Content) == 0 {
		return fmt.Errorf("config for %s is empty", schema)
	}

	node := root.Content[0]
	segments := strings.Split(path, ".")
	for i, segment := range segments {
		child := mappingValue(node, segment)
		if child == nil {
			return fmt.Errorf("config for %s has no key %q", schema, strings.Join(segments[:i+1], "."))
		}
		node = child
	}
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("key %q in config for %s is not a scalar", path, schema)
	}
	node.SetString(value)

	out, err := yaml.Marshal(&root)
	if err != nil {
		return fmt.Errorf("render config for %s: %w", schema, err)
	}
	return m.store.Save(filename(schema), out)
}

// Remove deletes the config document for a schema. Absence is fine.
func (m *Materializer) Remove(schema string) error {
	return m.store.Delete(filename(schema))
}

// Exists reports whether a config document is materialized for the schema.
func (m *Materializer) Exists(schema string) bool {
	return m.store.Exists(filename(schema))
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func filename(schema string) string {
	return schema + ".yml"
}
