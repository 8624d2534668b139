package correlation

import "context"

// Definition is the workflow definition version a process instance runs,
// identified by its hash. The XML is carried verbatim, this module does not
// parse it.
type Definition struct {
	Name string
	XML  string
}

// DefinitionStore resolves a definition by the hash pinned on a process
// instance. Implementations typically sit in front of the process model
// store of the engine.
type DefinitionStore interface {
	GetByHash(ctx context.Context, hash string) (*Definition, error)
}
