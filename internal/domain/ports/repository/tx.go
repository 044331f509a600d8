package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is an infra-defined transaction handle (pgx.Tx for Postgres).
// Repositories accept nil and then run on the pool.
type Tx interface{}

var NoTX Tx

// TransactionManager runs fn inside one database transaction. The handle is
// passed to repositories so every write in fn commits or rolls back together.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
