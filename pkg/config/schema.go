package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
	"gopkg.in/yaml.v3"
)

// DatasetFile is the YAML document declaring datasets.
type DatasetFile struct {
	Datasets []DatasetSpec `yaml:"datasets"`
}

// DatasetSpec declares one dataset bound to a connection.
type DatasetSpec struct {
	Name        string           `yaml:"name" validate:"required"`
	Connection  string           `yaml:"connection" validate:"required"`
	Collections []CollectionSpec `yaml:"collections" validate:"required,min=1,dive"`
}

// CollectionSpec declares one collection and its fields.
type CollectionSpec struct {
	Name   string      `yaml:"name" validate:"required"`
	Fields []FieldSpec `yaml:"fields" validate:"required,min=1,dive"`
}

// FieldSpec declares one field.
type FieldSpec struct {
	Name           string          `yaml:"name" validate:"required"`
	DataCategories []string        `yaml:"data_categories"`
	Identity       string          `yaml:"identity"`
	PrimaryKey     bool            `yaml:"primary_key"`
	References     []ReferenceSpec `yaml:"references" validate:"dive"`
}

// ReferenceSpec points at a field in "dataset.collection.field" form.
type ReferenceSpec struct {
	Field     string `yaml:"field" validate:"required"`
	Direction string `yaml:"direction" validate:"omitempty,oneof=to from"`
}

// LoadDatasets reads and validates dataset declarations, keeping declaration order.
func LoadDatasets(path string) ([]domain.Dataset, error) {
	//nolint:gosec // Dataset file path is controlled by admin/operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset file %s: %w", path, err)
	}
	datasets, err := ParseDatasets(data)
	if err != nil {
		return nil, fmt.Errorf("dataset file %s: %w", path, err)
	}
	return datasets, nil
}

// ParseDatasets decodes dataset declarations. Unknown keys are rejected so a
// misspelt reference cannot silently drop an edge.
func ParseDatasets(data []byte) ([]domain.Dataset, error) {
	var file DatasetFile
	if err := decodeStrict(data, &file); err != nil {
		return nil, err
	}
	if len(file.Datasets) == 0 {
		return nil, fmt.Errorf("%w: no datasets declared", domain.ErrConfigInvalid)
	}
	for i := range file.Datasets {
		if err := validate.Struct(&file.Datasets[i]); err != nil {
			return nil, fmt.Errorf("dataset %d: %w", i, validationError(err))
		}
	}

	datasets, err := file.ToDomain()
	if err != nil {
		return nil, err
	}
	if err := graph.Validate(datasets); err != nil {
		return nil, err
	}
	return datasets, nil
}

// ToDomain converts the YAML declarations to domain datasets.
func (f DatasetFile) ToDomain() ([]domain.Dataset, error) {
	datasets := make([]domain.Dataset, 0, len(f.Datasets))
	for _, ds := range f.Datasets {
		out := domain.Dataset{
			Name:          strings.TrimSpace(ds.Name),
			ConnectionKey: strings.TrimSpace(ds.Connection),
			Collections:   make([]domain.Collection, 0, len(ds.Collections)),
		}
		for _, coll := range ds.Collections {
			collection := domain.Collection{
				Name:   strings.TrimSpace(coll.Name),
				Fields: make([]domain.Field, 0, len(coll.Fields)),
			}
			for _, field := range coll.Fields {
				converted, err := field.toDomain()
				if err != nil {
					return nil, fmt.Errorf("%s:%s.%s: %w", out.Name, collection.Name, field.Name, err)
				}
				collection.Fields = append(collection.Fields, converted)
			}
			out.Collections = append(out.Collections, collection)
		}
		datasets = append(datasets, out)
	}
	return datasets, nil
}

func (f FieldSpec) toDomain() (domain.Field, error) {
	field := domain.Field{
		Name:           strings.TrimSpace(f.Name),
		DataCategories: append([]string(nil), f.DataCategories...),
		Identity:       strings.TrimSpace(f.Identity),
		PrimaryKey:     f.PrimaryKey,
	}
	for _, ref := range f.References {
		target, err := domain.ParseFieldAddress(strings.TrimSpace(ref.Field))
		if err != nil {
			return domain.Field{}, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
		}
		direction := domain.DirectionTo
		if ref.Direction != "" {
			direction = domain.ReferenceDirection(ref.Direction)
		}
		field.References = append(field.References, domain.FieldReference{Target: target, Direction: direction})
	}
	return field, nil
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty document", domain.ErrConfigInvalid)
		}
		return fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return nil
}
