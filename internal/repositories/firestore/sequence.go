package firestore

import (
	"context"
	"fmt"
	"time"

	pfirestore "github.com/portal-agro/api/internal/platform/firestore"
)

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// nextSequence allocates the next numeric id for name inside tx. The counter write is only
// applied when the surrounding transaction commits.
func nextSequence(ctx context.Context, provider *pfirestore.Provider, tx *pfirestore.Tx, name string) (int64, error) {
	counters, err := collection(ctx, provider, countersCollection)
	if err != nil {
		return 0, err
	}
	ref := counters.Doc(name)

	var doc counterDocument
	snap, err := tx.Get(ref)
	switch {
	case pfirestore.IsNotFound(err):
	case err != nil:
		return 0, pfirestore.WrapError("counters.next", err)
	default:
		if err := snap.DataTo(&doc); err != nil {
			return 0, fmt.Errorf("firestore counters decode %s: %w", name, err)
		}
	}

	doc.CurrentValue++
	doc.UpdatedAt = time.Now().UTC()
	tx.Set(ref, doc)
	return doc.CurrentValue, nil
}
