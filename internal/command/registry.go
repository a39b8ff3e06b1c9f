package command

import (
	"fmt"

	"github.com/CZERTAINLY/Archiver/internal/model"
)

// Registry is a read-only set of templates indexed by id.
type Registry struct {
	templates map[string]model.CommandTemplate
}

// NewRegistry indexes templates, duplicate ids are an error.
func NewRegistry(templates ...model.CommandTemplate) (*Registry, error) {
	r := &Registry{templates: make(map[string]model.CommandTemplate, len(templates))}
	for _, t := range templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template with command %q has no id", t.Command)
		}
		if _, ok := r.templates[t.ID]; ok {
			return nil, fmt.Errorf("template %q registered twice", t.ID)
		}
		r.templates[t.ID] = t
	}
	return r, nil
}

func (r *Registry) Lookup(id string) (model.CommandTemplate, bool) {
	t, ok := r.templates[id]
	return t, ok
}

func (r *Registry) Len() int {
	return len(r.templates)
}
