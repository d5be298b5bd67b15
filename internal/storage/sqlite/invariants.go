//go:build !production

package sqlite

import (
	"fmt"

	"github.com/google/uuid"
)

// panicOnUncommittedWrites exposes the "dropped a write transaction
// without committing" bug loudly (spec §4.1, §7: "a dropped-uncommitted-
// after-writes transaction ... is a programming bug and raises a fatal
// condition"). Built out under -tags production; see
// invariants_production.go.
func panicOnUncommittedWrites(clientID uuid.UUID) {
	panic(fmt.Sprintf("storage/sqlite invariant: transaction for client %s dropped with uncommitted writes", clientID))
}
