package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hpungsan/tabkeep/internal/errors"
)

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion = 1

// Snapshot is the serialized session exchanged between contexts.
// Transient item fields are never included.
type Snapshot struct {
	Version   int    `json:"version"`
	WriterID  string `json:"writer_id,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	WrittenAt int64  `json:"written_at,omitempty"`
	Items     []Item `json:"items"`
}

const snapshotSchemaURL = "tabkeep://schemas/session-snapshot.json"

const snapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "items"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "writer_id": {"type": "string"},
    "seq": {"type": "integer", "minimum": 0},
    "written_at": {"type": "integer"},
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "content"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "content": {"type": "string"},
          "is_dirty": {"type": "boolean"},
          "capability_id": {"type": "string"},
          "last_write_timestamp": {"type": "integer"},
          "disk_modified_timestamp": {"type": "integer"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchema))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(snapshotSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(snapshotSchemaURL)
	})
	return schema, schemaErr
}

// Validate checks raw snapshot JSON against the snapshot schema.
func Validate(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return errors.NewInternal(fmt.Errorf("compile snapshot schema: %w", err))
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return errors.NewInvalidRequest("snapshot is not valid JSON: " + err.Error())
	}
	if err := sch.Validate(inst); err != nil {
		return errors.NewInvalidRequest("snapshot failed validation: " + err.Error())
	}
	return nil
}

// DecodeSnapshot validates and decodes a snapshot. Items are stripped of
// any transient state.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.NewInvalidRequest("snapshot decode: " + err.Error())
	}
	if snap.Version > SnapshotVersion {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("unsupported snapshot version %d", snap.Version))
	}
	for i := range snap.Items {
		snap.Items[i] = snap.Items[i].Strip()
	}
	return &snap, nil
}

// Encode serializes the snapshot.
func (s *Snapshot) Encode() ([]byte, error) {
	if s.Items == nil {
		s.Items = []Item{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return data, nil
}
