package mirror

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// RecordValidator checks record bodies against per-collection JSON
// schemas. Collections without a schema pass unchecked. A nil validator
// accepts everything.
type RecordValidator struct {
	schemas map[string]*jsonschema.Schema
}

// LoadValidator compiles every *.json schema in dir. The file name minus
// the extension is the collection it applies to, e.g.
// app.bsky.feed.post.json.
func LoadValidator(dir string) (*RecordValidator, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read schema dir")
	}
	compiler := jsonschema.NewCompiler()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "read schema %s", entry.Name())
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrapf(err, "parse schema %s", entry.Name())
		}
		if err := compiler.AddResource(entry.Name(), doc); err != nil {
			return nil, errors.Wrapf(err, "register schema %s", entry.Name())
		}
		names = append(names, entry.Name())
	}
	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, errors.Wrapf(err, "compile schema %s", name)
		}
		schemas[strings.TrimSuffix(name, ".json")] = schema
	}
	return &RecordValidator{schemas: schemas}, nil
}

// Validate returns nil when the record body conforms to the collection's
// schema, or when no schema is registered for the collection.
func (v *RecordValidator) Validate(collection string, record []byte) error {
	if v == nil || len(record) == 0 {
		return nil
	}
	schema, ok := v.schemas[collection]
	if !ok {
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(record))
	if err != nil {
		return errors.Wrap(err, "parse record body")
	}
	return schema.Validate(instance)
}
