package quotagate

import "fmt"

// Default per-call unit costs. Mirrors the pricing of metered search-and-
// summarize APIs where lookups are cheap and full-text operations are not.
const (
	OpLookup    Operation = "lookup"
	OpSearch    Operation = "search"
	OpSummarize Operation = "summarize"
)

// DefaultCosts returns the built-in cost table.
func DefaultCosts() map[Operation]int {
	return map[Operation]int{
		OpLookup:    1,
		OpSearch:    100,
		OpSummarize: 25,
	}
}

// CostTable maps operation kinds to their per-call unit cost.
type CostTable struct {
	costs map[Operation]int
}

// NewCostTable builds a cost table from the given mapping. Every cost must
// be positive.
func NewCostTable(costs map[Operation]int) (CostTable, error) {
	if len(costs) == 0 {
		costs = DefaultCosts()
	}
	t := CostTable{costs: make(map[Operation]int, len(costs))}
	for op, c := range costs {
		if op == "" {
			return CostTable{}, fmt.Errorf("quotagate: cost table: empty operation kind")
		}
		if c <= 0 {
			return CostTable{}, fmt.Errorf("quotagate: cost table: operation %q: cost must be positive, got %d", op, c)
		}
		t.costs[op] = c
	}
	return t, nil
}

// Cost returns the total unit cost of count calls of the given operation.
func (t CostTable) Cost(op Operation, count int) (int, error) {
	if count <= 0 {
		return 0, &OperationError{Err: ErrInvalidCount, Operation: op, Count: count}
	}
	perCall, ok := t.costs[op]
	if !ok {
		return 0, &OperationError{Err: ErrUnknownOperation, Operation: op, Count: count}
	}
	return perCall * count, nil
}

// total sums the cost of a batch of operations. The batch must be non-empty
// and every count positive.
func (t CostTable) total(ops map[Operation]int) (int, error) {
	if len(ops) == 0 {
		return 0, ErrNoOperations
	}
	total := 0
	for op, count := range ops {
		c, err := t.Cost(op, count)
		if err != nil {
			return 0, err
		}
		total += c
	}
	return total, nil
}

// Operations returns the known operation kinds.
func (t CostTable) Operations() []Operation {
	out := make([]Operation, 0, len(t.costs))
	for op := range t.costs {
		out = append(out, op)
	}
	return out
}
