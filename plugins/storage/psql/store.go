package psql

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/jaym/goor/grain"
	"github.com/jaym/goor/plugins/storage/psql/internal"
)

type PSQLStorage struct {
	log logr.Logger
	db  *pgxpool.Pool
	q   *internal.Queries
}

func SetupDatabase(db *sql.DB) error {
	return internal.Migrate(db)
}

func NewStorage(log logr.Logger, db *pgxpool.Pool) *PSQLStorage {
	return &PSQLStorage{
		log: log,
		db:  db,
		q:   internal.New(db),
	}
}

// Factory connects each worker to connString with its own pool. The
// schema must already be set up.
func Factory(log logr.Logger, connString string) grain.StorageFactory {
	return func() (grain.Storage, error) {
		pool, err := pgxpool.Connect(context.Background(), connString)
		if err != nil {
			return nil, errors.Wrap(err, "connecting to postgres")
		}
		return NewStorage(log, pool), nil
	}
}

func (m *PSQLStorage) Read(ctx context.Context, ident grain.Identity) ([]byte, error) {
	data, err := m.q.ReadState(ctx, internal.ReadStateParams{
		GrainType: ident.GrainType,
		GrainID:   ident.ID,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.WithDetailf(grain.ErrStateNotFound, "%s", ident)
		}
		return nil, err
	}
	return data, nil
}

func (m *PSQLStorage) Write(ctx context.Context, ident grain.Identity, data []byte) error {
	m.log.V(5).Info("storing grain state", "identity", ident, "size", len(data))
	err := m.q.WriteState(ctx, internal.WriteStateParams{
		GrainType: ident.GrainType,
		GrainID:   ident.ID,
		Data:      data,
	})
	if err != nil {
		m.log.V(0).Error(err, "failed to store grain state", "identity", ident)
		return err
	}
	return nil
}

func (m *PSQLStorage) Clear(ctx context.Context, ident grain.Identity) error {
	m.log.V(5).Info("clearing grain state", "identity", ident)
	err := m.q.ClearState(ctx, internal.ClearStateParams{
		GrainType: ident.GrainType,
		GrainID:   ident.ID,
	})
	if err != nil {
		m.log.V(0).Error(err, "failed to clear grain state", "identity", ident)
		return err
	}
	return nil
}

func (m *PSQLStorage) Close() {
	m.db.Close()
}
