// Package taxonomy holds the accreditation catalog of dimensions and
// criteria that evidence uploads are classified under. The catalog is fixed
// by the national accreditation standard, so it ships embedded in the binary.
package taxonomy

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed criterios.yaml
var criteriosYaml []byte

type Criterion struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

type Dimension struct {
	Name     string      `yaml:"name" json:"name"`
	Criteria []Criterion `yaml:"criteria" json:"criteria"`
}

type Catalog struct {
	Dimensions []Dimension `yaml:"dimensions" json:"dimensions"`
}

var catalog Catalog

func init() {
	err := yaml.Unmarshal(criteriosYaml, &catalog)
	if err != nil {
		panic(fmt.Sprintf("error parsing embedded criteria catalog: %v", err))
	}
	if len(catalog.Dimensions) == 0 {
		panic("embedded criteria catalog is empty")
	}
}

func Get() Catalog {
	return catalog
}

// Dimensions returns the dimension names in catalog order.
func Dimensions() []string {
	names := make([]string, 0, len(catalog.Dimensions))
	for _, dim := range catalog.Dimensions {
		names = append(names, dim.Name)
	}
	return names
}

// Criteria returns the criterion names for a dimension, in catalog order.
// Returns nil if the dimension is unknown.
func Criteria(dimension string) []string {
	for _, dim := range catalog.Dimensions {
		if dim.Name == dimension {
			names := make([]string, 0, len(dim.Criteria))
			for _, criterion := range dim.Criteria {
				names = append(names, criterion.Name)
			}
			return names
		}
	}
	return nil
}

// AllCriteria returns every criterion name across all dimensions.
func AllCriteria() []string {
	var names []string
	for _, dim := range catalog.Dimensions {
		for _, criterion := range dim.Criteria {
			names = append(names, criterion.Name)
		}
	}
	return names
}

// Description returns the descriptive text of a criterion within a dimension.
func Description(dimension, criterion string) (string, bool) {
	for _, dim := range catalog.Dimensions {
		if dim.Name != dimension {
			continue
		}
		for _, c := range dim.Criteria {
			if c.Name == criterion {
				return c.Description, true
			}
		}
	}
	return "", false
}

// Valid reports whether the criterion belongs to the dimension.
func Valid(dimension, criterion string) bool {
	_, ok := Description(dimension, criterion)
	return ok
}
