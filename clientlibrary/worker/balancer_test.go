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
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	chk "github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
)

func leasesOf(owners ...string) []chk.LeaseSnapshot {
	leases := make([]chk.LeaseSnapshot, 0, len(owners))
	for i, owner := range owners {
		leases = append(leases, chk.LeaseSnapshot{PartitionID: fmt.Sprintf("p%d", i), Owner: owner})
	}
	return leases
}

func steal(hostName string, ownedByOthers []chk.LeaseSnapshot, ownedCount int) string {
	id, _ := selectLeaseToSteal(hostName, ownedByOthers, ownedCount)
	return id
}

func TestSelectLeaseToSteal(t *testing.T) {
	_, ok := selectLeaseToSteal("me", nil, 0)
	assert.False(t, ok)

	// gap of one is balanced
	assert.Empty(t, steal("me", leasesOf("a", "a"), 1))

	assert.Equal(t, "p1", steal("me", leasesOf("a", "b", "b", "b"), 1))

	// ties go to the first owner seen
	assert.Equal(t, "p0", steal("me", leasesOf("b", "a", "a", "b"), 0))

	// stale copies of our own or unowned leases are never candidates
	assert.Empty(t, steal("me", leasesOf("me", "me", "", ""), 0))

	// expired leases are acquired instead
	expired := leasesOf("a", "a", "a")
	expired[0].Expired = true
	expired[1].Expired = true
	assert.Empty(t, steal("me", expired, 0))
}

// simulate runs every host's steal decision in turn until nothing moves.
func simulate(hosts []string, owners []string) (steals int, counts map[string]int) {
	for round := 0; round < 100; round++ {
		moved := false
		for _, host := range hosts {
			var others []chk.LeaseSnapshot
			owned := 0
			for i, owner := range owners {
				if owner == host {
					owned++
					continue
				}
				others = append(others, chk.LeaseSnapshot{PartitionID: fmt.Sprintf("%d", i), Owner: owner})
			}

			if id, ok := selectLeaseToSteal(host, others, owned); ok {
				idx, _ := strconv.Atoi(id)
				owners[idx] = host
				steals++
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	counts = map[string]int{}
	for _, host := range hosts {
		counts[host] = 0
	}
	for _, owner := range owners {
		counts[owner]++
	}
	return steals, counts
}

func TestStealConverges(t *testing.T) {
	for _, tc := range []struct {
		hosts      int
		partitions int
	}{
		{2, 4}, {3, 10}, {4, 32}, {5, 7}, {8, 8},
	} {
		hosts := make([]string, tc.hosts)
		for i := range hosts {
			hosts[i] = fmt.Sprintf("host%d", i)
		}
		owners := make([]string, tc.partitions)
		for i := range owners {
			owners[i] = hosts[0]
		}

		steals, counts := simulate(hosts, owners)
		low, high := tc.partitions, 0
		for _, n := range counts {
			low = min(low, n)
			high = max(high, n)
		}
		assert.LessOrEqual(t, high-low, 1, "%d hosts, %d partitions", tc.hosts, tc.partitions)
		// every steal moves one lease off the initial owner
		assert.LessOrEqual(t, steals, tc.partitions, "%d hosts, %d partitions", tc.hosts, tc.partitions)
	}
}

func TestNoFlapAfterSteal(t *testing.T) {
	// A: 3, B: 1. B steals one, leaving 2 and 2.
	owners := []string{"a", "a", "a", "b"}
	assert.Equal(t, "p0", steal("b", leasesOf(owners[:3]...), 1))
	owners[0] = "b"

	// neither host wants to move anything back
	assert.Empty(t, steal("a", leasesOf("b", "b"), 2))
	assert.Empty(t, steal("b", leasesOf("a", "a"), 2))
}
