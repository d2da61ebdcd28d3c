// Package netenv provides information about the network environment the
// tunnel runs in, currently limited to the system's DNS configuration.
package netenv

import (
	"github.com/tevino/abool"
)

var networkChangedFlag = abool.NewBool(true)

// MarkNetworkChanged invalidates all cached network environment data. Call
// it when interfaces, routes or the system DNS configuration may have
// changed.
func MarkNetworkChanged() {
	networkChangedFlag.Set()
}
