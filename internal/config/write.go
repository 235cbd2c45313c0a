package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrTablesConfigured is returned by WriteTables when the file already has a
// tables mapping.
var ErrTablesConfigured = errors.New("config file already has a tables section")

const template = `# pgrab configuration
#
# local/remote accept a postgres:// URI, a mapping of connection parameters
# (values like $PGPASSWORD are read from the environment) or a shell command
# that prints either.
local: postgres://localhost:5432/myapp_development
remote:
  host: replica.example.com
  port: 5432
  user: readonly
  password: $REMOTE_PASSWORD
  database: myapp

schema: public
# max_workers: 4
# statement_timeout: 10m
# watch_interval: 10s
# setup: ./scripts/open-tunnel.sh

# groups:
#   billing: [invoices, payments]

# tables:
#   users:
#     bookmark: updated_at
#   orders:
#     bookmark: id
#     partial: WHERE user_id IN (SELECT id FROM {{ users }})
#   audit_log:
#     dump: false
`

// WriteTemplate writes a starter .pgrab.yaml into dir and returns its path.
func WriteTemplate(dir string) (string, error) {
	path := filepath.Join(dir, FileNames[0])
	if err := os.WriteFile(path, []byte(template), 0o600); err != nil {
		return "", fmt.Errorf("write config template: %w", err)
	}
	return path, nil
}

// WriteTables adds a tables mapping to the config file at path, keeping the
// rest of the document (including comments) intact.
func WriteTables(path string, tables map[string]TableConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("parse config file: top level is not a mapping")
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "tables" {
			continue
		}
		if len(root.Content[i+1].Content) > 0 {
			return ErrTablesConfigured
		}
		root.Content = append(root.Content[:i], root.Content[i+2:]...)
		break
	}

	var value yaml.Node
	if err := value.Encode(tables); err != nil {
		return fmt.Errorf("encode tables: %w", err)
	}
	root.Content = append(root.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "tables"},
		&value,
	)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encode config file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode config file: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}
