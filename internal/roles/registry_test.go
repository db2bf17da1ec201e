package roles

import (
	"testing"
	"time"
)

func testDefs() []Definition {
	return []Definition{
		{
			Name:     "pm",
			Prefix:   "PM",
			Accepts:  []string{"planning"},
			Produces: []string{"implementation"},
		},
		{
			Name:     "coder",
			Prefix:   "CD",
			Accepts:  []string{"implementation"},
			Produces: []string{"verification"},
			RoutesTo: []RouteRule{{Role: "reviewer", TaskTypes: []string{"verification"}}},
		},
		{
			Name:    "reviewer",
			Prefix:  "RV",
			Accepts: []string{"verification"},
		},
	}
}

func TestNewRegistry_DefaultsApplied(t *testing.T) {
	r, err := NewRegistry(testDefs())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	def, ok := r.Get("pm")
	if !ok {
		t.Fatal("pm missing")
	}
	if def.MaxInstances != 1 || def.InitialInstances != 1 {
		t.Fatalf("defaults = %+v", def)
	}
	if def.TaskTimeout != 30*time.Minute {
		t.Fatalf("timeout = %v", def.TaskTimeout)
	}
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	defs := testDefs()
	defs = append(defs, Definition{Name: "pm", Prefix: "P2"})
	if _, err := NewRegistry(defs); err == nil {
		t.Fatal("duplicate name accepted")
	}
	defs = testDefs()
	defs = append(defs, Definition{Name: "other", Prefix: "PM"})
	if _, err := NewRegistry(defs); err == nil {
		t.Fatal("duplicate prefix accepted")
	}
}

func TestNewRegistry_RejectsUnknownRouteTarget(t *testing.T) {
	defs := []Definition{{
		Name:     "a",
		Prefix:   "A",
		RoutesTo: []RouteRule{{Role: "ghost", TaskTypes: []string{"x"}}},
	}}
	if _, err := NewRegistry(defs); err == nil {
		t.Fatal("unknown route target accepted")
	}
}

func TestConsumerFor_OpenMode(t *testing.T) {
	r, _ := NewRegistry(testDefs())
	pm, _ := r.Get("pm")
	target, ok := r.ConsumerFor(pm, "implementation")
	if !ok || target.Name != "coder" {
		t.Fatalf("open routing = %v, %v", target.Name, ok)
	}
	if _, ok := r.ConsumerFor(pm, "unknown-type"); ok {
		t.Fatal("routed an unknown type")
	}
}

func TestConsumerFor_RestrictedMode(t *testing.T) {
	r, _ := NewRegistry(testDefs())
	coder, _ := r.Get("coder")
	if !coder.Restricted() {
		t.Fatal("coder should be restricted")
	}
	target, ok := r.ConsumerFor(coder, "verification")
	if !ok || target.Name != "reviewer" {
		t.Fatalf("restricted routing = %v, %v", target.Name, ok)
	}
	// A type outside routes_to is illegal even if some role accepts it.
	if _, ok := r.ConsumerFor(coder, "implementation"); ok {
		t.Fatal("restricted role escaped its routes")
	}
}

func TestInitialClampedToMax(t *testing.T) {
	r, err := NewRegistry([]Definition{{Name: "x", Prefix: "X", MaxInstances: 2, InitialInstances: 5}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	def, _ := r.Get("x")
	if def.InitialInstances != 2 {
		t.Fatalf("initial = %d", def.InitialInstances)
	}
}
