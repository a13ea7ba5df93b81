package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/storage"
)

const pragmas = "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"

// SQLiteStorage implements the Storage interface using SQLite. Writes go
// through a single connection opened with immediate transactions; reads use
// a separate pool so they never wait on the writer under WAL.
type SQLiteStorage struct {
	db     *sql.DB
	reader *sql.DB
}

// New creates a new SQLite storage instance backed by the file at path.
func New(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?"+pragmas+"&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	reader, err := sql.Open("sqlite3", path+"?"+pragmas)
	if err != nil {
		db.Close()
		return nil, err
	}
	reader.SetMaxOpenConns(4)

	return &SQLiteStorage{db: db, reader: reader}, nil
}

// Begin starts a new read transaction.
func (s *SQLiteStorage) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	tx, err := s.reader.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return newUnitOfWork(tx), nil
}

// BeginImmediate starts a new write transaction.
func (s *SQLiteStorage) BeginImmediate(ctx context.Context) (storage.UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return newUnitOfWork(tx), nil
}

// Close closes the database connections.
func (s *SQLiteStorage) Close() error {
	return errors.Join(s.reader.Close(), s.db.Close())
}

// Migrate runs database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db)
}

// unitOfWork implements the UnitOfWork interface.
type unitOfWork struct {
	tx          *sql.Tx
	actions     *actionRepo
	checkpoints *checkpointRepo
	resumptions *resumptionRepo
	plans       *planRepo
}

func newUnitOfWork(tx *sql.Tx) *unitOfWork {
	return &unitOfWork{
		tx:          tx,
		actions:     &actionRepo{tx: tx},
		checkpoints: &checkpointRepo{tx: tx},
		resumptions: &resumptionRepo{tx: tx},
		plans:       &planRepo{tx: tx},
	}
}

func (u *unitOfWork) Actions() storage.ActionRepository {
	return u.actions
}

func (u *unitOfWork) Checkpoints() storage.CheckpointRepository {
	return u.checkpoints
}

func (u *unitOfWork) Resumptions() storage.ResumptionRepository {
	return u.resumptions
}

func (u *unitOfWork) Plans() storage.PlanRepository {
	return u.plans
}

func (u *unitOfWork) Commit() error {
	return u.tx.Commit()
}

func (u *unitOfWork) Rollback() error {
	return u.tx.Rollback()
}

// mapInsertError turns primary key and unique violations into ErrAlreadyExists.
func mapInsertError(err error, what string) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, what)
	}
	return err
}
