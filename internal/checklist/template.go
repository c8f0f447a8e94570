// Package checklist holds the departure/delivery checklist templates and
// validates submissions against them. Templates are read-only after Load.
package checklist

import (
	"fmt"
	"os"
	"sort"

	yaml "gopkg.in/yaml.v3"

	"rutanav/internal/model"
	"rutanav/internal/store"
)

type Item struct {
	ID       string `yaml:"id" json:"id"`
	Label    string `yaml:"label" json:"label"`
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
}

type Template struct {
	Type  string `yaml:"type" json:"type"`
	Items []Item `yaml:"items" json:"items"`
}

var defaults = map[string]Template{
	model.ChecklistDeparture: {Type: model.ChecklistDeparture, Items: []Item{
		{ID: "documentos_carga", Label: "Documentos de carga completos", Category: "documents"},
		{ID: "guias_remision", Label: "Guías de remisión disponibles", Category: "documents"},
		{ID: "carga_verificada", Label: "Carga verificada y contada", Category: "cargo"},
		{ID: "carga_asegurada", Label: "Carga asegurada correctamente", Category: "cargo"},
		{ID: "embalaje_correcto", Label: "Embalaje en buen estado", Category: "cargo"},
		{ID: "combustible_ok", Label: "Combustible suficiente", Category: "vehicle"},
		{ID: "llantas_ok", Label: "Llantas en buen estado", Category: "vehicle"},
		{ID: "luces_ok", Label: "Luces funcionando", Category: "vehicle"},
		{ID: "frenos_ok", Label: "Frenos funcionando", Category: "vehicle"},
		{ID: "documentos_vehiculo", Label: "Documentos del vehículo", Category: "vehicle"},
		{ID: "licencia_conductor", Label: "Licencia de conducir vigente", Category: "driver"},
		{ID: "epp_completo", Label: "EPP completo", Category: "driver"},
	}},
	model.ChecklistDelivery: {Type: model.ChecklistDelivery, Items: []Item{
		{ID: "productos_completos", Label: "Productos completos según guía"},
		{ID: "embalaje_intacto", Label: "Embalaje intacto sin daños"},
		{ID: "cantidad_verificada", Label: "Cantidad verificada con receptor"},
		{ID: "documentos_entregados", Label: "Documentos entregados"},
		{ID: "receptor_conforme", Label: "Receptor conforme con entrega"},
	}},
}

// Registry is the process-wide template set, loaded once at startup.
type Registry struct {
	templates map[string]Template
}

// Load returns the built-in templates, overridden by the YAML file at path
// when path is non-empty. The file holds a list of Template documents.
func Load(path string) (*Registry, error) {
	r := &Registry{templates: map[string]Template{}}
	for k, v := range defaults {
		r.templates[k] = v
	}
	if path == "" {
		return r, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checklist templates: %w", err)
	}
	var overrides []Template
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse checklist templates: %w", err)
	}
	for _, t := range overrides {
		if t.Type == "" || len(t.Items) == 0 {
			return nil, fmt.Errorf("checklist template override missing type or items")
		}
		r.templates[t.Type] = t
	}
	return r, nil
}

// Get returns the template for a checklist type.
func (r *Registry) Get(typ string) (Template, bool) {
	t, ok := r.templates[typ]
	return t, ok
}

// Types lists the known template types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.templates))
	for k := range r.templates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks a submission against the template for its type. Items must
// cover the template exactly, every item must be true, and the signature must
// be present. Violations return store.ErrValidation.
func (r *Registry) Validate(sub model.ChecklistSubmission) error {
	tpl, ok := r.templates[sub.Type]
	if !ok {
		return fmt.Errorf("%w: unknown checklist type %q", store.ErrValidation, sub.Type)
	}
	if len(sub.Items) != len(tpl.Items) {
		return fmt.Errorf("%w: checklist requires %d items, got %d", store.ErrValidation, len(tpl.Items), len(sub.Items))
	}
	for _, it := range tpl.Items {
		v, ok := sub.Items[it.ID]
		if !ok {
			return fmt.Errorf("%w: missing checklist item %q", store.ErrValidation, it.ID)
		}
		if !v {
			return fmt.Errorf("%w: checklist item %q is unchecked", store.ErrValidation, it.ID)
		}
	}
	if sub.SignatureB64 == "" {
		return fmt.Errorf("%w: signature required", store.ErrValidation)
	}
	return nil
}
