package query

import "github.com/vehiclebroker/databroker/internal/types"

type nodeKind int

const (
	nodeColumn nodeKind = iota
	nodeLiteral
	nodeCast
	nodeBinary
	nodeUnaryNot
	nodeBetween
)

// node is the bound expression tree Compile emits: value-producing
// nodes (column/literal/cast) carry a concrete types.Kind, resolved
// against the Entry Store at compile time; predicate nodes (binary
// logical/comparison, between, not) combine or compare them.
type node struct {
	kind nodeKind

	entryID  int64
	dataType types.Kind

	lit            types.Value
	litRaw         string
	literalPending bool

	op operator

	operand, left, right, low, high *node
	notBetween                      bool
}

func pendingLiteral(n *node) bool { return n.kind == nodeLiteral && n.literalPending }

// resolveLiteral binds a still-unresolved literal to target, coercing
// its raw text (spec.md §4.7: "unresolved numeric literals are
// coerced to the adjacent entry's type at compile time").
func (n *node) resolveLiteral(target types.Kind) error {
	if !n.literalPending {
		return nil
	}
	v, err := types.Parse(target, n.litRaw)
	if err != nil {
		return &CompileError{Detail: "literal \"" + n.litRaw + "\" is not a valid " + target.String()}
	}
	n.lit = v
	n.dataType = target
	n.literalPending = false
	return nil
}
