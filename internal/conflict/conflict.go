// Package conflict detects when a resource changed on disk since an item
// last observed it, and applies the user's chosen resolution.
package conflict

import (
	"context"
	"log/slog"

	"github.com/hpungsan/tabkeep/internal/capstore"
	"github.com/hpungsan/tabkeep/internal/errors"
	"github.com/hpungsan/tabkeep/internal/session"
)

// Record describes one detected conflict. It is never persisted and is
// consumed by exactly one resolution.
type Record struct {
	ItemID        string `json:"item_id"`
	ItemName      string `json:"item_name"`
	CapabilityID  string `json:"capability_id"`
	DiskTimestamp int64  `json:"disk_timestamp"`
	OurTimestamp  int64  `json:"our_timestamp"`
}

// Err converts the record into a CONFLICT error.
func (r *Record) Err() error {
	return errors.NewConflict(r.ItemID, r.DiskTimestamp, r.OurTimestamp)
}

// Detector compares an item's observed disk timestamp with the current one.
type Detector struct {
	store  *capstore.Store
	logger *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(store *capstore.Store, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, logger: logger}
}

// Check returns a Record when the resource behind capID is newer than the
// timestamp item last observed; the caller must not write in that case.
// A nil Record means the write may proceed. Equal timestamps, a missing
// observed timestamp (first write) and a failure to read the current
// timestamp all mean no conflict. An empty capID uses the item's binding.
func (d *Detector) Check(ctx context.Context, item session.Item, capID string) (*Record, error) {
	if capID == "" {
		capID = item.CapabilityID
	}
	if capID == "" || item.DiskModifiedTimestamp == nil {
		return nil, nil
	}

	current, err := d.store.ModifiedAt(ctx, capID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.logger.Warn("conflict check skipped, timestamp unreadable", "item", item.ID, "capability", capID, "error", err)
		return nil, nil
	}

	ours := *item.DiskModifiedTimestamp
	if current <= ours {
		return nil, nil
	}

	d.logger.Info("conflict detected", "item", item.ID, "disk", current, "ours", ours)
	return &Record{
		ItemID:        item.ID,
		ItemName:      item.Name,
		CapabilityID:  capID,
		DiskTimestamp: current,
		OurTimestamp:  ours,
	}, nil
}
