// Package db holds the narrow interfaces that the ledger and history
// packages depend on, instead of the full borp.DbMap/Transaction surface.
// This lets tests substitute an in-memory fake without dragging in a real
// database driver, mirroring the teacher's own db package.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/letsencrypt/borp"

	pkdlog "github.com/icao-pkd/pkd-eval/log"
)

var dialectMap = map[string]interface{}{
	"mysql": borp.MySQLDialect{Engine: "InnoDB", Encoding: "UTF8MB4"},
}

// OpenDbMap opens a connection via driver/dbConnect and wraps it in a
// borp.DbMap, letting the caller register its own tables with mapTables.
// Shared by the ledger and history packages so both agree on dialect
// selection and connection-health checking.
func OpenDbMap(driver, dbConnect string, mapTables func(*borp.DbMap)) (*borp.DbMap, error) {
	logger := pkdlog.Get()

	conn, err := sql.Open(driver, dbConnect)
	if err != nil {
		return nil, err
	}
	if err = conn.Ping(); err != nil {
		return nil, err
	}

	dialect, ok := dialectMap[driver].(borp.Dialect)
	if !ok {
		return nil, fmt.Errorf("couldn't find dialect for %q", driver)
	}
	logger.Info(fmt.Sprintf("connected to database via %s", driver))

	dbMap := &borp.DbMap{Db: conn, Dialect: dialect}
	mapTables(dbMap)
	return dbMap, nil
}

// By convention, any function that takes a OneSelector, Selector,
// Inserter, Execer, or SelectExecer as an argument expects that a context
// has already been applied to the relevant DbMap or Transaction object.

// OneSelector is anything that provides a SelectOne function.
type OneSelector interface {
	SelectOne(interface{}, string, ...interface{}) error
}

// Selector is anything that provides a Select function.
type Selector interface {
	Select(interface{}, string, ...interface{}) ([]interface{}, error)
}

// Inserter is anything that provides an Insert function.
type Inserter interface {
	Insert(list ...interface{}) error
}

// Execer is anything that provides an Exec function.
type Execer interface {
	Exec(string, ...interface{}) (sql.Result, error)
}

// SelectExecer offers a subset of borp.SqlExecutor's methods: Select and
// Exec.
type SelectExecer interface {
	Selector
	Execer
}

// DatabaseMap offers the full combination of OneSelector, Inserter,
// SelectExecer, and a Begin function for creating a Transaction.
type DatabaseMap interface {
	OneSelector
	Inserter
	SelectExecer
	Begin() (*borp.Transaction, error)
}

// Transaction offers the combination of OneSelector, Inserter, SelectExecer
// interfaces as well as Commit and Rollback.
type Transaction interface {
	OneSelector
	Inserter
	SelectExecer
	Commit() error
	Rollback() error
}

// WithTransaction runs fn inside a transaction opened on dbMap, committing
// on success and rolling back if fn returns an error or panics, mirroring
// the teacher's storage-authority transaction helper.
func WithTransaction(dbMap DatabaseMap, fn func(Transaction) error) (err error) {
	tx, err := dbMap.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return rbErr
		}
		return err
	}
	return tx.Commit()
}
