package option

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockingUpdate applies SELECT ... FOR UPDATE to every query in the scope.
// It is the serialization primitive for per-worker financial mutations: any
// transaction that loads the worker row through this scope blocks concurrent
// writers until commit. SQLite has no row locks (its writer is already
// exclusive), so the clause is skipped there.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector != nil && db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// QuerySortBy describes an ORDER BY applied through WithSortBy.
type QuerySortBy struct {
	SortBy  string
	OrderBy string
}

// QueryOption mutates a query before execution.
type QueryOption func(*gorm.DB) *gorm.DB

func WithSortBy(sort QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		order := sort.SortBy
		if order == "" {
			order = "created_at"
		}
		dir := sort.OrderBy
		if dir == "" {
			dir = "asc"
		}
		return db.Order(order + " " + dir)
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if limit > 0 {
			return db.Limit(limit)
		}
		return db
	}
}

func WithLockingUpdate() QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return LockingUpdate(db)
	}
}

// Apply runs all options against the query.
func Apply(db *gorm.DB, opts ...QueryOption) *gorm.DB {
	for _, opt := range opts {
		db = opt(db)
	}
	return db
}
