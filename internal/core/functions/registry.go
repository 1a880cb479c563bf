package functions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Registry is the authoritative name → Function mapping.
//
// Mutations of one name are serialized by an in-process lock and run inside
// a transaction, so concurrent activate/deactivate/upsert calls never lose
// updates.
type Registry struct {
	db    *gorm.DB
	locks *nameLocks
	lg    zerolog.Logger
}

// NewRegistry migrates the functions table and returns a ready registry.
func NewRegistry(db *gorm.DB, lg zerolog.Logger) (*Registry, error) {
	if err := db.AutoMigrate(&Function{}); err != nil {
		return nil, fmt.Errorf("migrate functions table: %w", err)
	}
	return &Registry{
		db:    db,
		locks: newNameLocks(),
		lg:    lg.With().Str("component", "function-registry").Logger(),
	}, nil
}

// Upsert creates the entry if absent, otherwise replaces its code path and
// bumps its revision. The activation flag is left untouched.
func (r *Registry) Upsert(ctx context.Context, name, codePath string) (*Function, error) {
	unlock := r.locks.lock(name)
	defer unlock()

	var fn Function
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("name = ?", name).First(&fn).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			fn = Function{Name: name, CodePath: codePath, Revision: 1}
			created = true
			return tx.Create(&fn).Error
		case err != nil:
			return err
		}
		fn.CodePath = codePath
		fn.Revision++
		return tx.Model(&fn).Updates(map[string]any{
			"code_path": fn.CodePath,
			"revision":  fn.Revision,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("upsert function %q: %w", name, err)
	}

	if created {
		r.lg.Info().Str("function", name).Str("code_path", codePath).Msg("function registered")
	} else {
		r.lg.Info().Str("function", name).Int("revision", fn.Revision).Msg("function updated")
	}
	return &fn, nil
}

// Get returns the entry named name or ErrNotFound.
func (r *Registry) Get(ctx context.Context, name string) (*Function, error) {
	var fn Function
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&fn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get function %q: %w", name, err)
	}
	return &fn, nil
}

// SetActive flips the activation flag. Setting the current value again is a no-op success.
func (r *Registry) SetActive(ctx context.Context, name string, active bool) (*Function, error) {
	unlock := r.locks.lock(name)
	defer unlock()

	var fn Function
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("name = ?", name).First(&fn).Error; err != nil {
			return err
		}
		if fn.IsActive == active {
			return nil
		}
		fn.IsActive = active
		return tx.Model(&fn).Update("is_active", active).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.lg.Warn().Str("function", name).Msg("function not found")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("set active %q: %w", name, err)
	}

	if active {
		r.lg.Info().Str("function", name).Msg("function activated")
	} else {
		r.lg.Info().Str("function", name).Msg("function deactivated")
	}
	return &fn, nil
}

// List returns a snapshot of all entries in registration order.
func (r *Registry) List(ctx context.Context) ([]Function, error) {
	var list []Function
	if err := r.db.WithContext(ctx).Order("id").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	return list, nil
}

type nameLocks struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

func newNameLocks() *nameLocks {
	return &nameLocks{locks: map[string]*nameLock{}}
}

func (l *nameLocks) lock(name string) func() {
	l.mu.Lock()
	nl, ok := l.locks[name]
	if !ok {
		nl = &nameLock{}
		l.locks[name] = nl
	}
	nl.refs++
	l.mu.Unlock()

	nl.mu.Lock()
	return func() {
		nl.mu.Unlock()
		l.mu.Lock()
		nl.refs--
		if nl.refs == 0 {
			delete(l.locks, name)
		}
		l.mu.Unlock()
	}
}
