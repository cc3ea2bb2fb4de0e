package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/phuslu/log"
	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var files embed.FS

type gooseLogger struct {
	log log.Logger
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.log.Fatal().Msgf(format, v...)
}

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.log.Info().Msgf(format, v...)
}

// Up applies every pending migration to the database at url.
func Up(ctx context.Context, url string) error {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	l := log.DefaultLogger
	l.Context = log.NewContext(nil).Str("module", "migrations").Value()
	goose.SetLogger(gooseLogger{log: l})
	goose.SetBaseFS(files)
	err = goose.SetDialect("postgres")
	if err != nil {
		return err
	}
	before, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	err = goose.UpContext(ctx, db, "sql")
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	after, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	l.Info().Int64("from", before).Int64("to", after).Msg("schema up to date")
	return nil
}
