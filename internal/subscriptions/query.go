package subscriptions

import (
	"time"

	"github.com/vehiclebroker/databroker/internal/permissions"
)

// querySub is a registered query subscription: a compiled query plus
// the common delivery machinery shared with path subscriptions.
type querySub struct {
	common
	query Query
	perm  permissions.Permissions
}

func (sub *querySub) expired(now time.Time) bool {
	return sub.perm.Expired(now)
}

// touched reports whether any id in changed is one of refs.
func touched(refs, changed []int64) bool {
	set := make(map[int64]struct{}, len(refs))
	for _, id := range refs {
		set[id] = struct{}{}
	}
	for _, id := range changed {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}
