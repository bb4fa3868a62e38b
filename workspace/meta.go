package workspace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DocMeta is the entry the workspace root keeps for every doc.
type DocMeta struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// CreateDate is in unix milliseconds.
	CreateDate int64    `json:"createDate"`
	Tags       []string `json:"tags,omitempty"`
}

const docMetaSchemaURL = "https://schemas.nbstore.dev/doc-meta.json"

const docMetaSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "createDate"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "maxLength": 256},
    "title": {"type": "string"},
    "createDate": {"type": "integer", "minimum": 0},
    "tags": {
      "type": "array",
      "items": {"type": "string", "minLength": 1},
      "uniqueItems": true
    }
  }
}`

var metaSchema = compileMetaSchema()

func compileMetaSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(docMetaSchema)))
	if err != nil {
		panic(fmt.Sprintf("workspace: parse doc meta schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(docMetaSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("workspace: add doc meta schema: %v", err))
	}
	return c.MustCompile(docMetaSchemaURL)
}

// Validate checks m against the doc meta schema.
func (m DocMeta) Validate() error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMeta, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMeta, err)
	}
	if err := metaSchema.Validate(inst); err != nil {
		return fmt.Errorf("%w: doc %s: %v", ErrInvalidMeta, m.ID, err)
	}
	return nil
}

func (m DocMeta) toValue() map[string]any {
	v := map[string]any{
		"id":         m.ID,
		"title":      m.Title,
		"createDate": m.CreateDate,
	}
	if len(m.Tags) > 0 {
		tags := make([]any, len(m.Tags))
		for i, t := range m.Tags {
			tags[i] = t
		}
		v["tags"] = tags
	}
	return v
}

// metaFromValue reads a meta entry back from the root map. Fields with the
// wrong type are left at their zero value.
func metaFromValue(id string, v any) DocMeta {
	m := DocMeta{ID: id}
	fields, ok := v.(map[string]any)
	if !ok {
		return m
	}
	m.Title, _ = fields["title"].(string)
	switch d := fields["createDate"].(type) {
	case int64:
		m.CreateDate = d
	case float64:
		m.CreateDate = int64(d)
	}
	if tags, ok := fields["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				m.Tags = append(m.Tags, s)
			}
		}
	}
	return m
}

func sortMetas(metas []DocMeta) {
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreateDate != metas[j].CreateDate {
			return metas[i].CreateDate < metas[j].CreateDate
		}
		return metas[i].ID < metas[j].ID
	})
}
