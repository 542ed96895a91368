// Package catalog holds the clinics a patient can be admitted to and the
// station templates each exam type follows.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultExamType = "recruitment"
	DefaultGender   = "male"
)

// Clinic is one station of the examination process.
type Clinic struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Template is the ordered station list for an exam type. Prefix and Suffix
// are visited in the given order; Middle may be reordered by load.
type Template struct {
	ExamType string   `yaml:"exam_type" json:"examType"`
	Gender   string   `yaml:"gender,omitempty" json:"gender,omitempty"`
	Aliases  []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Prefix   []string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Middle   []string `yaml:"middle" json:"middle"`
	Suffix   []string `yaml:"suffix,omitempty" json:"suffix,omitempty"`
}

// Stations returns prefix, middle and suffix concatenated.
func (t Template) Stations() []string {
	out := make([]string, 0, len(t.Prefix)+len(t.Middle)+len(t.Suffix))
	out = append(out, t.Prefix...)
	out = append(out, t.Middle...)
	return append(out, t.Suffix...)
}

// Catalog is immutable after Load/Default and safe for concurrent reads.
type Catalog struct {
	clinics   []Clinic
	byID      map[string]Clinic
	templates map[string]Template
}

type file struct {
	Clinics   []Clinic   `yaml:"clinics"`
	Templates []Template `yaml:"templates"`
}

// NormalizeID maps user input such as " lab" to the catalog form "LAB".
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func templateKey(examType, gender string) string {
	return normalizeKey(examType) + "|" + normalizeKey(gender)
}

// New validates clinics and templates and builds a Catalog.
func New(clinics []Clinic, templates []Template) (*Catalog, error) {
	if len(clinics) == 0 {
		return nil, fmt.Errorf("catalog has no clinics")
	}
	c := &Catalog{
		byID:      make(map[string]Clinic, len(clinics)),
		templates: make(map[string]Template, len(templates)),
	}
	for _, cl := range clinics {
		cl.ID = NormalizeID(cl.ID)
		if cl.ID == "" {
			return nil, fmt.Errorf("clinic with empty id")
		}
		if _, dup := c.byID[cl.ID]; dup {
			return nil, fmt.Errorf("duplicate clinic %s", cl.ID)
		}
		c.byID[cl.ID] = cl
		c.clinics = append(c.clinics, cl)
	}

	for _, t := range templates {
		if normalizeKey(t.ExamType) == "" {
			return nil, fmt.Errorf("template with empty exam_type")
		}
		t.Prefix = c.normalizeStations(t.Prefix)
		t.Middle = c.normalizeStations(t.Middle)
		t.Suffix = c.normalizeStations(t.Suffix)
		seen := make(map[string]bool)
		for _, id := range t.Stations() {
			if _, ok := c.byID[id]; !ok {
				return nil, fmt.Errorf("template %s: unknown clinic %s", t.ExamType, id)
			}
			if seen[id] {
				return nil, fmt.Errorf("template %s: clinic %s listed twice", t.ExamType, id)
			}
			seen[id] = true
		}
		if len(seen) == 0 {
			return nil, fmt.Errorf("template %s has no stations", t.ExamType)
		}

		for _, name := range append([]string{t.ExamType}, t.Aliases...) {
			key := templateKey(name, t.Gender)
			if _, dup := c.templates[key]; dup {
				return nil, fmt.Errorf("duplicate template %s (gender %q)", name, t.Gender)
			}
			c.templates[key] = t
		}
	}
	if _, ok := c.templates[templateKey(DefaultExamType, "")]; !ok {
		return nil, fmt.Errorf("catalog must define the %s template", DefaultExamType)
	}
	return c, nil
}

func (c *Catalog) normalizeStations(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, NormalizeID(id))
	}
	return out
}

// Load reads a YAML catalog file. An empty path yields Default().
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML catalog document.
func Parse(raw []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(f.Clinics, f.Templates)
}

// Marshal renders the catalog in the same YAML form Parse accepts.
func (c *Catalog) Marshal() ([]byte, error) {
	return yaml.Marshal(file{Clinics: c.Clinics(), Templates: c.Templates()})
}

// Has reports whether id names a known clinic.
func (c *Catalog) Has(id string) bool {
	_, ok := c.byID[NormalizeID(id)]
	return ok
}

// Clinic returns the clinic with id.
func (c *Catalog) Clinic(id string) (Clinic, bool) {
	cl, ok := c.byID[NormalizeID(id)]
	return cl, ok
}

// Clinics returns every clinic in declaration order.
func (c *Catalog) Clinics() []Clinic {
	out := make([]Clinic, len(c.clinics))
	copy(out, c.clinics)
	return out
}

// ClinicIDs returns every clinic id in declaration order.
func (c *Catalog) ClinicIDs() []string {
	out := make([]string, len(c.clinics))
	for i, cl := range c.clinics {
		out[i] = cl.ID
	}
	return out
}

// Templates returns the distinct templates sorted by exam type and gender.
func (c *Catalog) Templates() []Template {
	seen := make(map[string]bool)
	var out []Template
	for _, t := range c.templates {
		key := templateKey(t.ExamType, t.Gender)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExamType != out[j].ExamType {
			return out[i].ExamType < out[j].ExamType
		}
		return out[i].Gender < out[j].Gender
	})
	return out
}

// Template resolves the template for examType and gender. A gender-specific
// template wins over the generic one; an unknown exam type falls back to
// the recruitment template. The second result reports whether examType was
// known.
func (c *Catalog) Template(examType, gender string) (Template, bool) {
	if t, ok := c.templates[templateKey(examType, gender)]; ok && gender != "" {
		return t, true
	}
	if t, ok := c.templates[templateKey(examType, "")]; ok {
		return t, true
	}
	if t, ok := c.templates[templateKey(DefaultExamType, gender)]; ok && gender != "" {
		return t, false
	}
	return c.templates[templateKey(DefaultExamType, "")], false
}
