package ais

// Element identifies the kind of AIS element a WriteSelector is asked about.
type Element int

const (
	ElementTable Element = iota
	ElementSequence
	ElementRoutine
)

// WriteSelector decides which elements of a schema Serialize emits into a
// fragment. The three standard selectors cover whole-schema, single-schema,
// and a schema-filtered variant that excludes memory tables or routines in
// selected system schemas.
type WriteSelector interface {
	Accept(schemaName string, elem Element, name string) bool
}

type allSchemas struct{}

func (allSchemas) Accept(string, Element, string) bool { return true }

// AllSchemas selects every element of every schema.
func AllSchemas() WriteSelector { return allSchemas{} }

type oneSchema struct{ name string }

func (s oneSchema) Accept(schemaName string, _ Element, _ string) bool { return schemaName == s.name }

// OneSchema selects every element of a single named schema.
func OneSchema(name string) WriteSelector { return oneSchema{name: name} }

// excludeMemoryAndSystemRoutines drops memory-only tables everywhere (they
// are never persisted, per the AIS invariant that memory tables live only
// in a process-local overlay) and drops routine definitions for schemas
// named as "system" schemas, where routines are built-ins reconstructed by
// the running code rather than round-tripped through storage.
type excludeMemoryAndSystemRoutines struct {
	systemSchemas map[string]bool
	ais           *AIS
}

func (s excludeMemoryAndSystemRoutines) Accept(schemaName string, elem Element, name string) bool {
	if elem == ElementTable && s.ais != nil {
		if t := s.ais.Table(TableName{Schema: schemaName, Table: name}); t != nil && t.IsMemoryTable {
			return false
		}
	}
	if elem == ElementRoutine && s.systemSchemas[schemaName] {
		return false
	}
	return true
}

// ExcludeMemoryAndSystemRoutines selects every element except memory tables
// (evaluated against ais, which must be the AIS being serialized) and
// routines belonging to the named system schemas.
func ExcludeMemoryAndSystemRoutines(ais *AIS, systemSchemas []string) WriteSelector {
	set := make(map[string]bool, len(systemSchemas))
	for _, s := range systemSchemas {
		set[s] = true
	}
	return excludeMemoryAndSystemRoutines{systemSchemas: set, ais: ais}
}
