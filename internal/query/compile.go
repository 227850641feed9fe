// Package query implements the subscription dialect of spec.md §4.7:
// a small SELECT/WHERE grammar compiled against the Entry Store's
// current catalogue into a tree of (EntryId, DataType) leaf
// references, then repeatedly evaluated (§4.8) against fresh entry
// state as ChangeSets arrive.
package query

import (
	"fmt"

	"github.com/vehiclebroker/databroker/internal/entrystore"
	"github.com/vehiclebroker/databroker/internal/types"
)

// CompileError reports a well-formed query that cannot be resolved
// against the current catalogue: an unknown column, a type mismatch
// between comparison operands, or an unsupported cast (spec.md §4.7
// failure kinds UnknownField, TypeMismatch, InvalidCast collapse into
// this one Go error type; Detail says which).
type CompileError struct {
	Detail string
}

func (e *CompileError) Error() string { return "compile error: " + e.Detail }

// Resolver looks up a dotted path's entry id and declared data type.
// Compile depends on this narrow interface rather than importing
// *entrystore.Store's full surface.
type Resolver interface {
	Resolve(path string) (id int64, dataType types.Kind, err error)
}

type storeResolver struct{ store *entrystore.Store }

// NewResolver adapts an Entry Store to Resolver.
func NewResolver(store *entrystore.Store) Resolver { return storeResolver{store: store} }

func (r storeResolver) Resolve(path string) (int64, types.Kind, error) {
	e, err := r.store.GetByPath(path)
	if err != nil {
		return 0, types.Unspecified, err
	}
	return e.ID, e.Meta.DataType, nil
}

// Compile parses raw and binds it against resolver, producing a
// Compiled query ready for repeated Evaluate calls. Lex/syntax
// failures surface as *LexError/*SyntaxError; well-formed but
// unresolvable queries surface as *CompileError.
func Compile(raw string, resolver Resolver) (*Compiled, error) {
	ast, err := parseQuery(raw)
	if err != nil {
		return nil, err
	}

	b := &binder{resolver: resolver, refs: map[int64]struct{}{}}

	cols := make([]outputColumn, 0, len(ast.selects))
	for _, sel := range ast.selects {
		id, dt, err := resolver.Resolve(sel.path)
		if err != nil {
			return nil, &CompileError{Detail: fmt.Sprintf("unknown field %q", sel.path)}
		}
		b.refs[id] = struct{}{}
		cols = append(cols, outputColumn{alias: sel.alias, entryID: id, dataType: dt})
	}

	var where *node
	if ast.where != nil {
		where, err = b.bindPredicate(ast.where)
		if err != nil {
			return nil, err
		}
	}

	refs := make([]int64, 0, len(b.refs))
	for id := range b.refs {
		refs = append(refs, id)
	}
	return &Compiled{columns: cols, where: where, refs: refs}, nil
}

type binder struct {
	resolver Resolver
	refs     map[int64]struct{}
}

func (b *binder) bindPredicate(n *exprAST) (*node, error) {
	switch n.kind {
	case astUnaryNot:
		inner, err := b.bindPredicate(n.operand)
		if err != nil {
			return nil, err
		}
		return &node{kind: nodeUnaryNot, operand: inner}, nil

	case astBetween:
		val, vt, err := b.bindValue(n.operand, types.Unspecified)
		if err != nil {
			return nil, err
		}
		low, lt, err := b.bindValue(n.low, types.Unspecified)
		if err != nil {
			return nil, err
		}
		high, ht, err := b.bindValue(n.high, types.Unspecified)
		if err != nil {
			return nil, err
		}
		final := vt
		if final == types.Unspecified {
			final = lt
		}
		if final == types.Unspecified {
			final = ht
		}
		if final == types.Unspecified {
			return nil, &CompileError{Detail: "BETWEEN requires at least one typed operand"}
		}
		for _, nd := range []*node{val, low, high} {
			if err := nd.resolveLiteral(final); err != nil {
				return nil, err
			}
		}
		return &node{kind: nodeBetween, operand: val, low: low, high: high, notBetween: n.not}, nil

	case astBinary:
		switch n.op {
		case opAnd, opOr:
			left, err := b.bindPredicate(n.left)
			if err != nil {
				return nil, err
			}
			right, err := b.bindPredicate(n.right)
			if err != nil {
				return nil, err
			}
			return &node{kind: nodeBinary, op: n.op, left: left, right: right}, nil
		default:
			left, lt, err := b.bindValue(n.left, types.Unspecified)
			if err != nil {
				return nil, err
			}
			right, rt, err := b.bindValue(n.right, types.Unspecified)
			if err != nil {
				return nil, err
			}
			final, err := unifyTypes(lt, rt)
			if err != nil {
				return nil, err
			}
			if err := left.resolveLiteral(final); err != nil {
				return nil, err
			}
			if err := right.resolveLiteral(final); err != nil {
				return nil, err
			}
			return &node{kind: nodeBinary, op: n.op, left: left, right: right}, nil
		}

	default:
		return nil, &CompileError{Detail: "expected a predicate"}
	}
}

// bindValue resolves a value expression (column/literal/cast). hint,
// when not types.Unspecified, immediately resolves a bare literal
// (used when a comparison's sibling type is already known); otherwise
// a literal is returned pending, for the caller to resolve once both
// sides have been bound.
func (b *binder) bindValue(n *exprAST, hint types.Kind) (*node, types.Kind, error) {
	switch n.kind {
	case astColumn:
		id, dt, err := b.resolver.Resolve(n.path)
		if err != nil {
			return nil, types.Unspecified, &CompileError{Detail: fmt.Sprintf("unknown field %q", n.path)}
		}
		b.refs[id] = struct{}{}
		return &node{kind: nodeColumn, entryID: id, dataType: dt}, dt, nil

	case astLiteral:
		nd := &node{kind: nodeLiteral, litRaw: n.litRaw, literalPending: true, dataType: types.Unspecified}
		if hint != types.Unspecified {
			if err := nd.resolveLiteral(hint); err != nil {
				return nil, types.Unspecified, err
			}
			return nd, hint, nil
		}
		return nd, types.Unspecified, nil

	case astCast:
		inner, innerType, err := b.bindValue(n.operand, types.Unspecified)
		if err != nil {
			return nil, types.Unspecified, err
		}
		target, ok := parseDataType(n.castType)
		if !ok {
			return nil, types.Unspecified, &CompileError{Detail: fmt.Sprintf("unknown data type %q in CAST", n.castType)}
		}
		if pendingLiteral(inner) {
			if err := inner.resolveLiteral(target); err != nil {
				return nil, types.Unspecified, err
			}
		} else if !canCast(innerType, target) {
			return nil, types.Unspecified, &CompileError{Detail: fmt.Sprintf("cannot CAST %s to %s", innerType, target)}
		}
		return &node{kind: nodeCast, operand: inner, dataType: target}, target, nil

	default:
		return nil, types.Unspecified, &CompileError{Detail: "expected a value expression"}
	}
}

// unifyTypes picks the concrete type two comparison operands must
// share: whichever side is already typed, or an error if both are
// untyped literals (nothing to coerce the literal to) or both are
// typed but disagree.
func unifyTypes(a, b types.Kind) (types.Kind, error) {
	switch {
	case a == types.Unspecified && b == types.Unspecified:
		return types.Unspecified, &CompileError{Detail: "cannot infer a literal's type without a typed operand"}
	case a == types.Unspecified:
		return b, nil
	case b == types.Unspecified:
		return a, nil
	case a == b:
		return a, nil
	default:
		return types.Unspecified, &CompileError{Detail: fmt.Sprintf("type mismatch: %s vs %s", a, b)}
	}
}

func parseDataType(name string) (types.Kind, bool) {
	return types.ParseKind(name)
}
