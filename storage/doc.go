package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/nbstore/crdt"
)

// Millis truncates t to the millisecond precision every backend stores.
func Millis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// Now is the current time at storage precision.
func Now() time.Time { return Millis(time.Now()) }

// NextTimestamp returns a storage timestamp strictly after last.
func NextTimestamp(last time.Time) time.Time {
	now := Now()
	if !now.After(last) {
		return Millis(last).Add(time.Millisecond)
	}
	return now
}

// BlobKey is the content address of data.
func BlobKey(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// MergeDoc folds pending updates into a snapshot. Either side may be empty;
// the result is nil only when both are.
func MergeDoc(docID string, snapshot *DocRecord, updates []DocUpdate) (*DocRecord, error) {
	if snapshot == nil && len(updates) == 0 {
		return nil, nil
	}
	bins := make([][]byte, 0, len(updates)+1)
	var ts time.Time
	if snapshot != nil {
		bins = append(bins, snapshot.Bin)
		ts = snapshot.Timestamp
	}
	for _, u := range updates {
		bins = append(bins, u.Bin)
		if u.Timestamp.After(ts) {
			ts = u.Timestamp
		}
	}
	if len(updates) == 0 {
		out := *snapshot
		return &out, nil
	}
	merged, err := crdt.MergeUpdates(bins...)
	if err != nil {
		return nil, serializationError(docID, err)
	}
	return &DocRecord{DocID: docID, Bin: merged, Timestamp: ts}, nil
}

func serializationError(docID string, err error) error {
	if errors.Is(err, crdt.ErrMalformedUpdate) {
		return fmt.Errorf("%w: doc %s: %v", ErrSerialization, docID, err)
	}
	return err
}

// ValidateUpdate rejects payloads that are not CRDT updates.
func ValidateUpdate(docID string, bin []byte) error {
	if err := crdt.ValidateUpdate(bin); err != nil {
		return serializationError(docID, err)
	}
	return nil
}

type docSquasher interface {
	GetDocSnapshot(ctx context.Context, docID string) (*DocRecord, error)
	SetDocSnapshot(ctx context.Context, rec DocRecord) (bool, error)
	GetDocUpdates(ctx context.Context, docID string) ([]DocUpdate, error)
	MarkUpdatesMerged(ctx context.Context, docID string, ids []uint64) (int, error)
}

// ReadDoc implements DocStorage.GetDoc on top of the snapshot and update
// primitives. Pending updates are squashed into a new snapshot.
func ReadDoc(ctx context.Context, s docSquasher, docID string) (*DocRecord, error) {
	snapshot, err := s.GetDocSnapshot(ctx, docID)
	if err != nil {
		return nil, err
	}
	updates, err := s.GetDocUpdates(ctx, docID)
	if err != nil {
		return nil, err
	}
	merged, err := MergeDoc(docID, snapshot, updates)
	if err != nil || merged == nil || len(updates) == 0 {
		return merged, err
	}
	if _, err := s.SetDocSnapshot(ctx, *merged); err != nil {
		return nil, err
	}
	ids := make([]uint64, len(updates))
	for i, u := range updates {
		ids[i] = u.ID
	}
	if _, err := s.MarkUpdatesMerged(ctx, docID, ids); err != nil {
		return nil, err
	}
	return merged, nil
}
