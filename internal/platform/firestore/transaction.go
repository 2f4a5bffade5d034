package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// TxFunc is executed within a Firestore transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts overrides the retry attempts for a transaction.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout sets a timeout for the transaction context.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// RunTransaction executes fn within a transaction on the provided client.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if client == nil {
		return WrapError("transaction", errors.New("firestore: client is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}

	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	txnCtx := ctx
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > cfg.timeout {
		var cancel context.CancelFunc
		txnCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	err := client.RunTransaction(txnCtx, fn, firestore.MaxAttempts(cfg.attempts))
	return WrapError("transaction", err)
}

type txKey struct{}

// Tx wraps a Firestore transaction and buffers its writes until the unit of work finishes,
// so repositories may read after another repository has written.
type Tx struct {
	tx     *firestore.Transaction
	writes []func(*firestore.Transaction) error
}

// TxFromContext returns the transaction bound to ctx by UnitOfWork.RunInTx.
func TxFromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*Tx)
	return tx, ok
}

// Get reads ref inside the transaction.
func (t *Tx) Get(ref *firestore.DocumentRef) (*firestore.DocumentSnapshot, error) {
	return t.tx.Get(ref)
}

// Documents runs query inside the transaction.
func (t *Tx) Documents(query firestore.Query) *firestore.DocumentIterator {
	return t.tx.Documents(query)
}

// Create queues the creation of ref; the commit fails if it already exists.
func (t *Tx) Create(ref *firestore.DocumentRef, data any) {
	t.writes = append(t.writes, func(tx *firestore.Transaction) error {
		return tx.Create(ref, data)
	})
}

// Set queues a full overwrite of ref.
func (t *Tx) Set(ref *firestore.DocumentRef, data any, opts ...firestore.SetOption) {
	t.writes = append(t.writes, func(tx *firestore.Transaction) error {
		return tx.Set(ref, data, opts...)
	})
}

// Update queues a partial update of ref.
func (t *Tx) Update(ref *firestore.DocumentRef, updates []firestore.Update, preconds ...firestore.Precondition) {
	t.writes = append(t.writes, func(tx *firestore.Transaction) error {
		return tx.Update(ref, updates, preconds...)
	})
}

func (t *Tx) flush() error {
	for _, write := range t.writes {
		if err := write(t.tx); err != nil {
			return err
		}
	}
	return nil
}

// UnitOfWork runs functions inside a Firestore transaction carried by the context.
type UnitOfWork struct {
	provider *Provider
	opts     []TxOption
}

// NewUnitOfWork returns a UnitOfWork using the provider's client.
func NewUnitOfWork(provider *Provider, opts ...TxOption) *UnitOfWork {
	return &UnitOfWork{provider: provider, opts: opts}
}

// RunInTx runs fn in a transaction and commits its buffered writes when fn succeeds. fn may be
// retried when the commit is aborted by contention. Errors returned by fn are passed through
// untouched; nested calls join the outer transaction.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}

	var fnErr error
	err := u.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		fnErr = nil
		t := &Tx{tx: tx}
		if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
			fnErr = err
			return err
		}
		return t.flush()
	}, u.opts...)
	if fnErr != nil {
		return fnErr
	}
	return err
}
