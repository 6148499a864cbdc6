package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// ItemStatus is the lifecycle state of a JobItem.
type ItemStatus string

const (
	ItemQueued    ItemStatus = "queued"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
	ItemPartial   ItemStatus = "partial"
	ItemCancelled ItemStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemCompleted, ItemFailed, ItemPartial, ItemCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving to the given status is a legal
// state-machine transition.
func (s ItemStatus) CanTransition(to ItemStatus) bool {
	switch s {
	case ItemQueued:
		return to == ItemRunning || to == ItemCancelled
	case ItemRunning:
		return to.Terminal()
	}
	return false
}

// GroupStatus is the derived status of a JobGroup.
type GroupStatus string

const (
	GroupRunning   GroupStatus = "running"
	GroupSucceeded GroupStatus = "succeeded"
	GroupPartial   GroupStatus = "partial"
	GroupCancelled GroupStatus = "cancelled"
)

// RollupStatus derives a group status from its item statuses. The group is
// running while any item is still queued or running; succeeded only when
// every item completed; partial if any item ended partial or failed. A
// group with no items of its own (every submission deduped onto earlier
// work) has nothing outstanding and reports succeeded.
func RollupStatus(items []JobItem) GroupStatus {
	if len(items) == 0 {
		return GroupSucceeded
	}
	allCompleted := true
	allCancelled := true
	anyDegraded := false
	for _, it := range items {
		switch it.Status {
		case ItemQueued, ItemRunning:
			return GroupRunning
		case ItemCompleted:
			allCancelled = false
		case ItemPartial, ItemFailed:
			anyDegraded = true
			allCompleted = false
			allCancelled = false
		case ItemCancelled:
			allCompleted = false
		}
	}
	if anyDegraded {
		return GroupPartial
	}
	if allCancelled {
		return GroupCancelled
	}
	if allCompleted {
		return GroupSucceeded
	}
	return GroupPartial
}

// JobGroup is a batch of JobItems submitted together.
type JobGroup struct {
	ID        string      `json:"id"`
	Origin    string      `json:"origin"` // "api", "bulk", "cli"
	Status    GroupStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// EntitySnapshot is the canonical facts known about an entity at dispatch
// time. Name is the only hard requirement; without it the consensus engine
// has nothing to attach results to.
type EntitySnapshot struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
	Address  string `json:"address,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Website  string `json:"website,omitempty"`

	// Category selects the recency half-life, e.g. "sports_bar", "tourist".
	Category string `json:"category,omitempty"`
}

// Validate checks the snapshot is usable by the consensus engine.
func (s EntitySnapshot) Validate() error {
	if strings.TrimSpace(s.EntityID) == "" {
		return &EntitySnapshotError{Reason: "entity_id is required"}
	}
	if strings.TrimSpace(s.Name) == "" {
		return &EntitySnapshotError{Reason: "name is required"}
	}
	return nil
}

// Hash returns a stable digest of the snapshot used for idempotent job
// creation: resubmitting an identical (entity, snapshot) pair returns the
// existing item.
func (s EntitySnapshot) Hash() string {
	b, _ := json.Marshal(s)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Budget tracks what a JobItem has consumed so far.
type Budget struct {
	CostCents int   `json:"cost_cents"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// JobItem is one analysis run for one entity. Owned exclusively by the job
// lifecycle manager; status transitions are the only permitted mutation.
type JobItem struct {
	ID           string         `json:"id"`
	GroupID      string         `json:"group_id"`
	EntityID     string         `json:"entity_id"`
	Snapshot     EntitySnapshot `json:"snapshot"`
	SnapshotHash string         `json:"snapshot_hash"`

	// DedupKey is the stable bulk-submission key (document hash + row
	// index). Empty for one-off submissions.
	DedupKey string `json:"dedup_key,omitempty"`

	Status ItemStatus `json:"status"`
	Budget Budget     `json:"budget"`
	Error  string     `json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
