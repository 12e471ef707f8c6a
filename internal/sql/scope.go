// What: scope.go resolves table aliases against the catalog and builds the
// combined schema a FROM clause exposes to WHERE/SELECT/ORDER BY, the way
// a planner threads a Scope through nested subplans.
package sql

import (
	"context"
	"strings"

	"github.com/quoradb/quoradb/internal/errs"
)

// scope maps alias/table names to the slice of the combined schema they own,
// so "t.col" and bare "col" (when unambiguous) both resolve during planning.
type scope struct {
	schema Schema
	owner  []string // parallel to schema: the alias/table name that owns each column
}

func newScope() *scope { return &scope{} }

func (s *scope) addTable(alias string, def TableDef) {
	for _, c := range def.Columns {
		s.schema = append(s.schema, Column{Name: alias + "." + c.Name, Kind: c.Kind})
		s.owner = append(s.owner, alias)
	}
}

func (s *scope) merge(other *scope) {
	s.schema = append(s.schema, other.schema...)
	s.owner = append(s.owner, other.owner...)
}

// resolve finds the schema index of qualifier.name, or of a bare name when
// it is unambiguous across the scope's tables.
func (s *scope) resolve(qualifier, name string) (int, error) {
	if qualifier != "" {
		idx := s.schema.IndexOf(qualifier + "." + name)
		if idx < 0 {
			return -1, errs.New(errs.Plan, "unknown column %s.%s", qualifier, name)
		}
		return idx, nil
	}
	found := -1
	for i, c := range s.schema {
		if strings.HasSuffix(c.Name, "."+name) {
			if found >= 0 {
				return -1, errs.New(errs.Plan, "ambiguous column reference %q", name)
			}
			found = i
		}
	}
	if found < 0 {
		return -1, errs.New(errs.Plan, "unknown column %q", name)
	}
	return found, nil
}

// buildScope walks a TableExpr, loading each referenced table's schema from
// the catalog.
func buildScope(ctx context.Context, st Storage, te TableExpr) (*scope, error) {
	switch n := te.(type) {
	case *TableRef:
		def, ok, err := st.TableDef(ctx, n.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.New(errs.Plan, "unknown table %q", n.Name)
		}
		alias := n.Alias
		if alias == "" {
			alias = n.Name
		}
		s := newScope()
		s.addTable(alias, def)
		return s, nil
	case *JoinExpr:
		left, err := buildScope(ctx, st, n.Left)
		if err != nil {
			return nil, err
		}
		right, err := buildScope(ctx, st, n.Right)
		if err != nil {
			return nil, err
		}
		left.merge(right)
		return left, nil
	default:
		return nil, errs.New(errs.Internal, "unhandled table expression %T", te)
	}
}

// containsAggregate reports whether e references an aggregate function
// anywhere in its tree, used to decide whether a SELECT needs an
// Aggregation operator.
func containsAggregate(e Expr) bool {
	switch n := e.(type) {
	case *FuncCallExpr:
		return isAggregateFunc(n.Name)
	case *UnaryExpr:
		return containsAggregate(n.X)
	case *BinaryExpr:
		return containsAggregate(n.Left) || containsAggregate(n.Right)
	case *IsNullExpr:
		return containsAggregate(n.X)
	case *InExpr:
		if containsAggregate(n.X) {
			return true
		}
		for _, item := range n.List {
			if containsAggregate(item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func isAggregateFunc(name string) bool {
	switch name {
	case "COUNT", "SUM", "AVG", "MIN", "MAX":
		return true
	default:
		return false
	}
}
