/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

package worker

import (
	"github.com/samber/lo"

	chk "github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
)

// selectLeaseToSteal picks at most one partition to take from the busiest other host.
//
// ownedByOthers is in scan order. The busiest host is the first one seen among
// those with the highest count. A partition is only picked when that host holds at
// least two more leases than ownedCount, so a steal never makes this host the
// busier one. Expired leases are acquired, never stolen.
func selectLeaseToSteal(hostName string, ownedByOthers []chk.LeaseSnapshot, ownedCount int) (string, bool) {
	candidates := lo.Filter(ownedByOthers, func(s chk.LeaseSnapshot, _ int) bool {
		return s.Owner != "" && s.Owner != hostName && !s.Expired
	})
	if len(candidates) == 0 {
		return "", false
	}

	byOwner := lo.GroupBy(candidates, func(s chk.LeaseSnapshot) string { return s.Owner })
	owners := lo.Uniq(lo.Map(candidates, func(s chk.LeaseSnapshot, _ int) string { return s.Owner }))

	biggest := owners[0]
	for _, owner := range owners[1:] {
		if len(byOwner[owner]) > len(byOwner[biggest]) {
			biggest = owner
		}
	}

	if len(byOwner[biggest])-ownedCount < 2 {
		return "", false
	}
	return byOwner[biggest][0].PartitionID, true
}
