/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package customer

import "strconv"

// GetAddress asks a customer entity for its address.
type GetAddress struct {
	ID int
}

// EntityID implements sharding.Keyed.
func (g GetAddress) EntityID() string {
	return strconv.Itoa(g.ID)
}
