package algorithm

import (
	"sort"
	"time"

	"github.com/devrev/twinengine/internal/model"
)

// statusPriority orders derived statuses; the highest candidate wins
var statusPriority = map[model.DisplayStatus]int{
	model.StatusAvailable:      0,
	model.StatusDelivered:      1,
	model.StatusInProgress:     2,
	model.StatusNeedsAttention: 3,
}

// StatusPriority returns the tie-break rank of a derived status
func StatusPriority(status model.DisplayStatus) int {
	return statusPriority[status]
}

// ItemCandidate returns the status a single active item asks its node to show
func ItemCandidate(item *model.WorkItem, now time.Time, threshold time.Duration) model.DisplayStatus {
	if !item.State.IsActive() {
		return model.StatusAvailable
	}
	if item.IsLongWait(now, threshold) {
		return model.StatusNeedsAttention
	}
	if item.State == model.StateServed {
		return model.StatusDelivered
	}
	return model.StatusInProgress
}

// DeriveStatus computes a node's display status from its active work items.
// An administrative hold suppresses every other rule. Items that are not
// active are ignored.
func DeriveStatus(node *model.FloorNode, items []*model.WorkItem, now time.Time, threshold time.Duration) model.DisplayStatus {
	if node != nil && node.Held() {
		return node.AdminHold
	}

	status := model.StatusAvailable
	for _, item := range items {
		candidate := ItemCandidate(item, now, threshold)
		if StatusPriority(candidate) > StatusPriority(status) {
			status = candidate
		}
	}
	return status
}

// LongWaitItems returns the items that are waiting longer than threshold,
// longest wait first.
func LongWaitItems(items []*model.WorkItem, now time.Time, threshold time.Duration) []*model.WorkItem {
	var result []*model.WorkItem
	for _, item := range items {
		if item.IsLongWait(now, threshold) {
			result = append(result, item)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].WaitingSince().Before(result[j].WaitingSince())
	})
	return result
}
