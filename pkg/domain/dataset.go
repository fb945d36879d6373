package domain

import (
	"fmt"
	"strings"
)

// ReferenceDirection controls which way discovered values flow along a reference.
type ReferenceDirection string

const (
	// DirectionTo means values found in the declaring field are used to look up the target.
	DirectionTo ReferenceDirection = "to"
	// DirectionFrom means values found in the target are used to look up the declaring field.
	DirectionFrom ReferenceDirection = "from"
)

// Dataset is a named, ordered group of collections served by one connection.
type Dataset struct {
	Name          string
	ConnectionKey string
	Collections   []Collection
}

// Collection is a queryable/erasable unit within a connection, e.g. a table.
type Collection struct {
	Name   string
	Fields []Field
}

// Field describes one attribute of a collection.
type Field struct {
	Name           string
	DataCategories []string
	// Identity names the identity key that can seed this field ("email", "phone").
	Identity   string
	PrimaryKey bool
	References []FieldReference
}

// FieldReference declares a cross-collection dependency from the owning field.
type FieldReference struct {
	Target    FieldAddress
	Direction ReferenceDirection
}

// CollectionAddress uniquely identifies a collection across datasets.
type CollectionAddress struct {
	Dataset    string
	Collection string
}

func (a CollectionAddress) String() string {
	return a.Dataset + ":" + a.Collection
}

// Field returns the address of a field inside this collection.
func (a CollectionAddress) Field(name string) FieldAddress {
	return FieldAddress{Dataset: a.Dataset, Collection: a.Collection, Field: name}
}

// ParseCollectionAddress parses the "dataset:collection" form.
func ParseCollectionAddress(value string) (CollectionAddress, error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return CollectionAddress{}, fmt.Errorf("invalid collection address %q", value)
	}
	return CollectionAddress{Dataset: parts[0], Collection: parts[1]}, nil
}

// FieldAddress uniquely identifies a field across datasets.
type FieldAddress struct {
	Dataset    string
	Collection string
	Field      string
}

func (a FieldAddress) String() string {
	return a.Dataset + ":" + a.Collection + "." + a.Field
}

// CollectionAddress returns the address of the collection holding the field.
func (a FieldAddress) CollectionAddress() CollectionAddress {
	return CollectionAddress{Dataset: a.Dataset, Collection: a.Collection}
}

// ParseFieldAddress parses the "dataset.collection.field" form used in declarations.
func ParseFieldAddress(value string) (FieldAddress, error) {
	parts := strings.Split(value, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return FieldAddress{}, fmt.Errorf("invalid field address %q: expected dataset.collection.field", value)
	}
	return FieldAddress{Dataset: parts[0], Collection: parts[1], Field: parts[2]}, nil
}

// Edge is a directed field-level dependency: values discovered in From are
// used to look up rows whose To field matches.
type Edge struct {
	From FieldAddress
	To   FieldAddress
}

func (e Edge) String() string {
	return e.From.String() + " -> " + e.To.String()
}

// Row is one record returned by a connector.
type Row map[string]any

// Field returns the field declaration with the given name.
func (c *Collection) Field(name string) (*Field, bool) {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return &c.Fields[i], true
		}
	}
	return nil, false
}

// PrimaryKeys returns the names of the primary key fields in declaration order.
func (c *Collection) PrimaryKeys() []string {
	var keys []string
	for _, f := range c.Fields {
		if f.PrimaryKey {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

// FieldNames returns all declared field names in order.
func (c *Collection) FieldNames() []string {
	names := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		names[i] = f.Name
	}
	return names
}

// Clone returns a deep copy of the dataset so plans never share mutable declarations.
func (d Dataset) Clone() Dataset {
	clone := Dataset{Name: d.Name, ConnectionKey: d.ConnectionKey}
	if d.Collections == nil {
		return clone
	}
	clone.Collections = make([]Collection, len(d.Collections))
	for i, c := range d.Collections {
		clone.Collections[i] = c.Clone()
	}
	return clone
}

// Clone returns a deep copy of the collection.
func (c Collection) Clone() Collection {
	clone := Collection{Name: c.Name}
	if c.Fields == nil {
		return clone
	}
	clone.Fields = make([]Field, len(c.Fields))
	for i, f := range c.Fields {
		cf := f
		if f.DataCategories != nil {
			cf.DataCategories = append([]string(nil), f.DataCategories...)
		}
		if f.References != nil {
			cf.References = append([]FieldReference(nil), f.References...)
		}
		clone.Fields[i] = cf
	}
	return clone
}
