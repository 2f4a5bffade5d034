package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Decoder hydrates a typed value from a snapshot.
type Decoder[T any] func(snap *firestore.DocumentSnapshot) (T, error)

// StructDecoder populates the target struct using Firestore's native decoding.
func StructDecoder[T any]() Decoder[T] {
	return func(snap *firestore.DocumentSnapshot) (T, error) {
		var target T
		if err := snap.DataTo(&target); err != nil {
			return target, err
		}
		return target, nil
	}
}

// Get reads ref through the transaction bound to ctx, or directly when there is none, and
// decodes it into T.
func Get[T any](ctx context.Context, op string, ref *firestore.DocumentRef) (T, error) {
	var (
		snap *firestore.DocumentSnapshot
		err  error
		zero T
	)
	if tx, ok := TxFromContext(ctx); ok {
		snap, err = tx.Get(ref)
	} else {
		snap, err = ref.Get(ctx)
	}
	if err != nil {
		return zero, WrapError(op, err)
	}
	value, err := StructDecoder[T]()(snap)
	if err != nil {
		return zero, fmt.Errorf("firestore: decode document %s: %w", ref.ID, err)
	}
	return value, nil
}

// Query runs query through the transaction bound to ctx, or directly when there is none,
// decoding every result with decode.
func Query[T any](ctx context.Context, op string, query firestore.Query, decode Decoder[T]) ([]T, error) {
	var iter *firestore.DocumentIterator
	if tx, ok := TxFromContext(ctx); ok {
		iter = tx.Documents(query)
	} else {
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	var results []T
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return results, nil
		}
		if err != nil {
			return nil, WrapError(op, err)
		}
		value, err := decode(snap)
		if err != nil {
			return nil, fmt.Errorf("firestore: decode document %s: %w", snap.Ref.ID, err)
		}
		results = append(results, value)
	}
}
