package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Loader resolves plan ids to validated plans under a single plans root.
type Loader struct {
	root string
}

// NewLoader returns a loader over the given plans root. The root must exist.
func NewLoader(root string) (*Loader, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("plans root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plans root %s is not a directory", root)
	}
	return &Loader{root: root}, nil
}

// Resolve maps a plan id to a file path. Tried in order: <id>.y(a)ml at the
// root, brokers/<id>.y(a)ml, and for broker_-prefixed ids the stripped form
// under brokers/.
func (l *Loader) Resolve(id string) (string, error) {
	var candidates []string
	for _, ext := range []string{".yaml", ".yml"} {
		candidates = append(candidates, filepath.Join(l.root, id+ext))
	}
	for _, ext := range []string{".yaml", ".yml"} {
		candidates = append(candidates, filepath.Join(l.root, "brokers", id+ext))
	}
	if stripped, ok := strings.CutPrefix(id, "broker_"); ok {
		for _, ext := range []string{".yaml", ".yml"} {
			candidates = append(candidates, filepath.Join(l.root, "brokers", stripped+ext))
		}
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Load resolves, parses, and validates a plan, returning it with its
// canonical hash.
func (l *Loader) Load(id string) (*Plan, string, error) {
	path, err := l.Resolve(id)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read plan %s: %w", id, err)
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, "", fmt.Errorf("parse plan %s: %w", id, err)
	}
	if err := p.Validate(); err != nil {
		return nil, "", err
	}

	hash, err := Hash(data)
	if err != nil {
		return nil, "", err
	}
	return &p, hash, nil
}

// Hash computes the canonical hash of a plan body: the YAML document is
// normalised to JSON with sorted keys and stripped whitespace, then hashed
// with SHA-256. Formatting and comment changes do not alter the hash;
// semantic changes do.
func Hash(body []byte) (string, error) {
	var doc any
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("hash plan: %w", err)
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("hash plan: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ValidateParams validates launch params against the plan's params_schema.
// A plan without a schema accepts anything.
func (p *Plan) ValidateParams(params map[string]any) error {
	if len(p.ParamsSchema) == 0 {
		return nil
	}

	schemaJSON, err := json.Marshal(p.ParamsSchema)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParamsInvalid, err)
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParamsInvalid, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("params.json", schemaDoc); err != nil {
		return fmt.Errorf("%w: %v", ErrParamsInvalid, err)
	}
	schema, err := c.Compile("params.json")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParamsInvalid, err)
	}

	if params == nil {
		params = map[string]any{}
	}
	// Round-trip through JSON so YAML/Go scalar types line up with what the
	// validator expects.
	instJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParamsInvalid, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(instJSON))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParamsInvalid, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrParamsInvalid, err)
	}
	return nil
}
