package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) a sqlite database at the given path and ensures directories exist.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// one connection keeps :memory: databases shared and serialises writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return db, nil
}

// Store bundles the repositories backed by one database.
type Store struct {
	DB    *sql.DB
	Tasks *TaskRepository
	Files *TaskFileRepository
	Users *UserRepository
}

// OpenStore opens the database at path and creates every table.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		DB:    db,
		Tasks: &TaskRepository{db: db},
		Files: &TaskFileRepository{db: db},
		Users: &UserRepository{db: db},
	}
	for _, initFn := range []func(context.Context) error{s.Tasks.Init, s.Files.Init, s.Users.Init} {
		if err := initFn(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}
