package sqlite

import (
	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/repository"
)

// Store joins the activity log and reference cache over one database.
type Store struct {
	*ActivityRepository
	*ReferenceRepository
	db *DB
}

var (
	_ activity.Repository       = (*Store)(nil)
	_ safety.Reader             = (*Store)(nil)
	_ repository.ActivityLog    = (*Store)(nil)
	_ repository.ReferenceStore = (*Store)(nil)
)

// NewStore creates a Store over db.
func NewStore(db *DB) *Store {
	return &Store{
		ActivityRepository:  NewActivityRepository(db),
		ReferenceRepository: NewReferenceRepository(db),
		db:                  db,
	}
}

// DB returns the underlying database.
func (s *Store) DB() *DB {
	return s.db
}
