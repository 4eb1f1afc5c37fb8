package mofka

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Metadata carries an event's structured document. It keeps both a textual
// representation and a parsed tree, generated lazily from one another;
// mutating one representation invalidates the other until regenerated.
type Metadata struct {
	text    string
	doc     map[string]interface{}
	hasText bool
	hasDoc  bool
}

// NewMetadata returns an empty document.
func NewMetadata() *Metadata {
	return MetadataFromString("{}")
}

// MetadataFromString wraps a textual document.
func MetadataFromString(text string) *Metadata {
	return &Metadata{text: text, hasText: true}
}

// MetadataFromDocument wraps a parsed document.
func MetadataFromDocument(doc map[string]interface{}) *Metadata {
	return &Metadata{doc: doc, hasDoc: true}
}

// String returns the textual representation, regenerating it from the
// parsed tree when needed.
func (m *Metadata) String() string {
	if m == nil {
		return "{}"
	}
	if !m.hasText {
		text, err := json.Marshal(m.doc)
		if err != nil {
			// maps built from JSON always marshal back; a document
			// holding unmarshalable values has no textual form
			return ""
		}
		m.text = string(text)
		m.hasText = true
	}
	return m.text
}

// Document returns the parsed tree, parsing the text when needed.
func (m *Metadata) Document() (map[string]interface{}, error) {
	if !m.hasDoc {
		var doc map[string]interface{}
		if err := json.Unmarshal([]byte(m.text), &doc); err != nil {
			return nil, err
		}
		m.doc = doc
		m.hasDoc = true
	}
	return m.doc, nil
}

// SetString replaces the textual representation and invalidates the parsed
// tree.
func (m *Metadata) SetString(text string) {
	m.text = text
	m.hasText = true
	m.doc = nil
	m.hasDoc = false
}

// SetDocument replaces the parsed tree and invalidates the text.
func (m *Metadata) SetDocument(doc map[string]interface{}) {
	m.doc = doc
	m.hasDoc = true
	m.text = ""
	m.hasText = false
}

// Query evaluates a gjson path against the document.
func (m *Metadata) Query(path string) gjson.Result {
	return gjson.Get(m.String(), path)
}

// WellFormed reports whether the textual representation parses as JSON.
func (m *Metadata) WellFormed() bool {
	return json.Valid([]byte(m.String()))
}
