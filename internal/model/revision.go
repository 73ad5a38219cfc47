package model

import (
	"bytes"
	"fmt"
	"sort"
)

// FieldType enumerates the scalar types a revision field can hold.
type FieldType int

const (
	FieldInt FieldType = iota
	FieldDouble
	FieldString
	FieldBytes
	FieldId
)

// Reserved field names. They are managed by the table layer and may not
// appear in a template's field map.
const (
	KIdField           = "id"
	KInsertTimeField   = "insert_time"
	KUpdateTimeField   = "update_time"
	KChunkIdField      = "chunk_id"
	KPreviousTimeField = "previous_time"
	KNextTimeField     = "next_time"
)

// Template specifies the field layout of a table. Two revisions match if
// they were built from templates with identical name and fields.
type Template struct {
	TableName string               `json:"table_name"`
	Fields    map[string]FieldType `json:"fields"`
}

// NewTemplate creates an empty template for the named table.
func NewTemplate(tableName string) *Template {
	return &Template{TableName: tableName, Fields: make(map[string]FieldType)}
}

// AddField declares a field. Reserved names are rejected.
func (t *Template) AddField(name string, fieldType FieldType) error {
	switch name {
	case KIdField, KInsertTimeField, KUpdateTimeField, KChunkIdField,
		KPreviousTimeField, KNextTimeField:
		return fmt.Errorf("field name %q is reserved", name)
	}
	if _, ok := t.Fields[name]; ok {
		return fmt.Errorf("field %q already declared", name)
	}
	t.Fields[name] = fieldType
	return nil
}

// FieldNames returns the declared fields in sorted order.
func (t *Template) FieldNames() []string {
	names := make([]string, 0, len(t.Fields))
	for name := range t.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewRevision instantiates an empty revision of this template.
func (t *Template) NewRevision() *Revision {
	fields := make(map[string]Value, len(t.Fields))
	for name, fieldType := range t.Fields {
		fields[name] = Value{Type: fieldType}
	}
	return &Revision{TableName: t.TableName, Fields: fields}
}

// Value is a tagged scalar held by a revision field.
type Value struct {
	Type   FieldType `json:"type"`
	Int    int64     `json:"int,omitempty"`
	Double float64   `json:"double,omitempty"`
	Str    string    `json:"str,omitempty"`
	Bytes  []byte    `json:"bytes,omitempty"`
	Id     Id        `json:"id,omitempty"`
}

// Equal compares two values of the same type.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case FieldInt:
		return v.Int == other.Int
	case FieldDouble:
		return v.Double == other.Double
	case FieldString:
		return v.Str == other.Str
	case FieldBytes:
		return bytes.Equal(v.Bytes, other.Bytes)
	case FieldId:
		return v.Id == other.Id
	}
	return false
}

// Revision is a typed, field-addressed record. Revisions are immutable
// once inserted into a local store; updates create a new revision sharing
// the same Id with a later UpdateTime.
type Revision struct {
	TableName string `json:"table_name"`
	Id        Id     `json:"id"`
	ChunkId   Id     `json:"chunk_id"`

	InsertTime LogicalTime `json:"insert_time"`
	// UpdateTime is only meaningful for update-capable tables.
	UpdateTime LogicalTime `json:"update_time,omitempty"`
	// PreviousTime/NextTime chain revisions of one id when linked
	// histories are enabled.
	PreviousTime LogicalTime `json:"previous_time,omitempty"`
	NextTime     LogicalTime `json:"next_time,omitempty"`

	Fields map[string]Value `json:"fields"`
}

// StructureMatch reports whether the revision was built from template.
func (r *Revision) StructureMatch(template *Template) bool {
	if r.TableName != template.TableName {
		return false
	}
	if len(r.Fields) != len(template.Fields) {
		return false
	}
	for name, fieldType := range template.Fields {
		value, ok := r.Fields[name]
		if !ok || value.Type != fieldType {
			return false
		}
	}
	return true
}

// Set assigns a field value, verifying the declared type.
func (r *Revision) Set(field string, value Value) error {
	existing, ok := r.Fields[field]
	if !ok {
		return fmt.Errorf("table %s has no field %q", r.TableName, field)
	}
	if existing.Type != value.Type {
		return fmt.Errorf("field %q: type mismatch", field)
	}
	r.Fields[field] = value
	return nil
}

// SetInt assigns an integer field.
func (r *Revision) SetInt(field string, value int64) error {
	return r.Set(field, Value{Type: FieldInt, Int: value})
}

// SetDouble assigns a floating-point field.
func (r *Revision) SetDouble(field string, value float64) error {
	return r.Set(field, Value{Type: FieldDouble, Double: value})
}

// SetString assigns a string field.
func (r *Revision) SetString(field string, value string) error {
	return r.Set(field, Value{Type: FieldString, Str: value})
}

// Get returns a field value.
func (r *Revision) Get(field string) (Value, bool) {
	value, ok := r.Fields[field]
	return value, ok
}

// GetInt returns an integer field or an error if absent or mistyped.
func (r *Revision) GetInt(field string) (int64, error) {
	value, ok := r.Fields[field]
	if !ok {
		return 0, fmt.Errorf("table %s has no field %q", r.TableName, field)
	}
	if value.Type != FieldInt {
		return 0, fmt.Errorf("field %q is not an int", field)
	}
	return value.Int, nil
}

// Verify reports whether the field holds the given value.
func (r *Revision) Verify(field string, value Value) bool {
	existing, ok := r.Fields[field]
	return ok && existing.Equal(value)
}

// CopyForWrite clones the revision for staging an update. The clone keeps
// Id, ChunkId and InsertTime; timestamps of the new version are assigned
// at commit.
func (r *Revision) CopyForWrite() *Revision {
	fields := make(map[string]Value, len(r.Fields))
	for name, value := range r.Fields {
		if value.Type == FieldBytes && value.Bytes != nil {
			value.Bytes = append([]byte(nil), value.Bytes...)
		}
		fields[name] = value
	}
	return &Revision{
		TableName:    r.TableName,
		Id:           r.Id,
		ChunkId:      r.ChunkId,
		InsertTime:   r.InsertTime,
		UpdateTime:   r.UpdateTime,
		PreviousTime: r.PreviousTime,
		NextTime:     r.NextTime,
		Fields:       fields,
	}
}
