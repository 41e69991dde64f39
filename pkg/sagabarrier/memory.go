package sagabarrier

import (
	"database/sql"
	"fmt"
	"net/url"
	"sync"

	"github.com/dtm-labs/client/dtmcli"
)

// origin maps a compensating op to the op it undoes.
var origin = map[string]string{
	"cancel":     "try",
	"compensate": "action",
	"rollback":   "action",
}

type branchOp struct {
	transType, gid, branchID, op string
}

// MemoryGuard keeps barrier rows in a map. It follows the rules of the barrier table:
// a repeated op is skipped, a compensation arriving before its action records the action
// so the late action is skipped too, and a failing op leaves no rows behind.
type MemoryGuard struct {
	mu   sync.Mutex
	rows map[branchOp]struct{}
}

// NewMemoryGuard returns an empty in-process barrier.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{rows: make(map[branchOp]struct{})}
}

func (g *MemoryGuard) Call(query url.Values, busi func(tx *sql.Tx) error) error {
	b, err := dtmcli.BarrierFromQuery(query)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBranch, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var inserted []branchOp
	insert := func(op string) bool {
		k := branchOp{b.TransType, b.Gid, b.BranchID, op}
		if _, ok := g.rows[k]; ok {
			return false
		}
		g.rows[k] = struct{}{}
		inserted = append(inserted, k)
		return true
	}

	originInserted := false
	if op, ok := origin[b.Op]; ok {
		originInserted = insert(op)
	}
	if !insert(b.Op) {
		return nil
	}
	if originInserted {
		// the action never ran
		return nil
	}

	if err := busi(nil); err != nil {
		for _, k := range inserted {
			delete(g.rows, k)
		}
		return err
	}
	return nil
}
