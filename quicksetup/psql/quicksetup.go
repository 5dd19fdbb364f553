package psql

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	_ "github.com/jackc/pgx/v4/stdlib"

	storage_psql "github.com/jaym/goor/plugins/storage/psql"
	"github.com/jaym/goor/silo"
)

const schemaName = "grainstate"

type setupOptions struct {
	logr logr.Logger

	pgUser string
	pgHost string
	pgPort int
	pgPass string
	pgDB   string

	siloOpts []silo.Option
}

type SetupOpt func(*setupOptions)

func WithDatasource(pgHost string, pgPort int, pgUser string, pgPass string, pgDB string) SetupOpt {
	return func(so *setupOptions) {
		so.pgHost = pgHost
		so.pgPort = pgPort
		so.pgUser = pgUser
		so.pgPass = pgPass
		so.pgDB = pgDB
	}
}

func WithPGEnvironment() SetupOpt {
	return func(so *setupOptions) {
		pgUser := os.Getenv("PG_USER")
		pgHost := os.Getenv("PG_HOST")
		pgPort := os.Getenv("PG_PORT")
		pgPass := os.Getenv("PG_PASSWORD")
		pgDB := os.Getenv("PG_DATABASE")

		if pgUser != "" {
			so.pgUser = pgUser
		}

		if pgPass != "" {
			so.pgPass = pgPass
		}

		if pgPort != "" {
			port, _ := strconv.ParseInt(pgPort, 10, 16)
			so.pgPort = int(port)
		}

		if pgHost != "" {
			so.pgHost = pgHost
		}

		if pgDB != "" {
			so.pgDB = pgDB
		}
	}
}

func WithLogr(l logr.Logger) SetupOpt {
	return func(so *setupOptions) {
		so.logr = l
	}
}

func WithSiloOptions(opts ...silo.Option) SetupOpt {
	return func(so *setupOptions) {
		so.siloOpts = opts
	}
}

// Setup builds a silo whose stateful grains keep their state in
// Postgres. The master creates the schema; workers only connect.
func Setup(ctx context.Context, opts ...SetupOpt) (*silo.Silo, error) {
	sOpts := parseOpts(opts...)

	source := sOpts.dataSource(schemaName)
	if !silo.WorkerProcess() {
		if err := setupDatabase(ctx, sOpts, schemaName, storage_psql.SetupDatabase); err != nil {
			return nil, err
		}
	}

	siloOpts := append([]silo.Option{
		silo.WithStorage(storage_psql.Factory(sOpts.logr.WithName("storage"), source)),
	}, sOpts.siloOpts...)
	return silo.New(sOpts.logr, siloOpts...)
}

func parseOpts(opts ...SetupOpt) *setupOptions {
	sOpts := setupOptions{
		pgUser: "postgres",
		pgPass: "postgres",
		pgHost: "localhost",
		pgPort: 5432,
		pgDB:   "goor",
		logr:   stdr.New(log.Default()),
	}
	for _, o := range opts {
		o(&sOpts)
	}
	return &sOpts
}

func (so *setupOptions) dataSource(schema string) string {
	source := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", so.pgUser, so.pgPass, so.pgHost, so.pgPort, so.pgDB)
	if schema != "" {
		source += "?search_path=" + schema
	}
	return source
}

type migrateFunc func(*sql.DB) error

func setupDatabase(ctx context.Context, sOpts *setupOptions, name string, f migrateFunc) error {
	err := func() error {
		stdDb, err := sql.Open("pgx", sOpts.dataSource(""))
		if err != nil {
			return err
		}
		defer stdDb.Close()
		if _, err := stdDb.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+name); err != nil {
			return err
		}
		return nil
	}()
	if err != nil {
		return err
	}
	stdDb, err := sql.Open("pgx", sOpts.dataSource(name))
	if err != nil {
		return err
	}
	defer stdDb.Close()

	return f(stdDb)
}
