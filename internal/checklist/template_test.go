package checklist

import (
    "errors"
    "os"
    "path/filepath"
    "testing"

    "rutanav/internal/model"
    "rutanav/internal/store"
)

func fullItems(t *testing.T, r *Registry, typ string) map[string]bool {
    t.Helper()
    tpl, ok := r.Get(typ)
    if !ok {
        t.Fatalf("no template for %s", typ)
    }
    items := map[string]bool{}
    for _, it := range tpl.Items {
        items[it.ID] = true
    }
    return items
}

func TestDefaults(t *testing.T) {
    r, err := Load("")
    if err != nil {
        t.Fatalf("load: %v", err)
    }
    dep, ok := r.Get(model.ChecklistDeparture)
    if !ok || len(dep.Items) != 12 {
        t.Fatalf("departure items = %d, want 12", len(dep.Items))
    }
    del, ok := r.Get(model.ChecklistDelivery)
    if !ok || len(del.Items) != 5 {
        t.Fatalf("delivery items = %d, want 5", len(del.Items))
    }
    types := r.Types()
    if len(types) != 2 || types[0] != model.ChecklistDelivery || types[1] != model.ChecklistDeparture {
        t.Fatalf("types = %v", types)
    }
}

func TestLoadOverride(t *testing.T) {
    path := filepath.Join(t.TempDir(), "templates.yaml")
    data := `
- type: departure
  items:
    - id: custom_a
      label: Custom A
    - id: custom_b
      label: Custom B
`
    if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
        t.Fatal(err)
    }
    r, err := Load(path)
    if err != nil {
        t.Fatalf("load: %v", err)
    }
    dep, _ := r.Get(model.ChecklistDeparture)
    if len(dep.Items) != 2 || dep.Items[0].ID != "custom_a" {
        t.Fatalf("override not applied: %+v", dep.Items)
    }
    // Delivery keeps the built-in template.
    del, _ := r.Get(model.ChecklistDelivery)
    if len(del.Items) != 5 {
        t.Fatalf("delivery items = %d, want 5", len(del.Items))
    }
}

func TestLoadOverrideInvalid(t *testing.T) {
    path := filepath.Join(t.TempDir(), "bad.yaml")
    if err := os.WriteFile(path, []byte("- type: departure\n  items: []\n"), 0o600); err != nil {
        t.Fatal(err)
    }
    if _, err := Load(path); err == nil {
        t.Fatal("expected error for template without items")
    }
}

func TestValidate(t *testing.T) {
    r, _ := Load("")

    sub := model.ChecklistSubmission{
        Type:         model.ChecklistDelivery,
        Items:        fullItems(t, r, model.ChecklistDelivery),
        SignatureB64: "Zg==",
    }
    if err := r.Validate(sub); err != nil {
        t.Fatalf("valid submission: %v", err)
    }

    bad := sub
    bad.Type = "weekly"
    if err := r.Validate(bad); !errors.Is(err, store.ErrValidation) {
        t.Errorf("unknown type: err = %v", err)
    }

    bad = sub
    bad.Items = fullItems(t, r, model.ChecklistDelivery)
    delete(bad.Items, "receptor_conforme")
    if err := r.Validate(bad); !errors.Is(err, store.ErrValidation) {
        t.Errorf("missing item: err = %v", err)
    }

    bad = sub
    bad.Items = fullItems(t, r, model.ChecklistDelivery)
    bad.Items["receptor_conforme"] = false
    if err := r.Validate(bad); !errors.Is(err, store.ErrValidation) {
        t.Errorf("unchecked item: err = %v", err)
    }

    // Extra unknown item breaks exact coverage.
    bad = sub
    bad.Items = fullItems(t, r, model.ChecklistDelivery)
    bad.Items["extra"] = true
    if err := r.Validate(bad); !errors.Is(err, store.ErrValidation) {
        t.Errorf("extra item: err = %v", err)
    }

    bad = sub
    bad.SignatureB64 = ""
    if err := r.Validate(bad); !errors.Is(err, store.ErrValidation) {
        t.Errorf("no signature: err = %v", err)
    }
}
