package store

// The query predicate algebra is deliberately closed: field equality,
// field-in-set, text search, and conjunction. Everything the HTTP layer
// accepts is parsed into this AST before it reaches an adapter; adapters
// never see client-shaped query objects.

type Predicate interface {
	isPredicate()
}

// Eq matches resources whose field equals the value.
type Eq struct {
	Field string
	Value any
}

// In matches resources whose field equals any of the values. For list
// fields (e.g. an item's tags) it matches when the list contains any of
// the values.
type In struct {
	Field  string
	Values []any
}

// Text matches resources whose schema text fields contain the query,
// case-insensitively.
type Text struct {
	Query string
}

// And is the conjunction of its parts. An empty And matches everything.
type And struct {
	Preds []Predicate
}

func (Eq) isPredicate()   {}
func (In) isPredicate()   {}
func (Text) isPredicate() {}
func (And) isPredicate()  {}

// AndOf flattens the non-nil predicates into a single conjunction,
// returning nil when nothing remains.
func AndOf(preds ...Predicate) Predicate {
	flat := make([]Predicate, 0, len(preds))
	for _, pred := range preds {
		switch p := pred.(type) {
		case nil:
			continue
		case And:
			flat = append(flat, p.Preds...)
		default:
			flat = append(flat, pred)
		}
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	default:
		return And{Preds: flat}
	}
}
