package store

import (
	"context"
	"fmt"

	"salon-waitlist/internal/config"
	"salon-waitlist/internal/models"
	"salon-waitlist/internal/store/sqlite"
	"salon-waitlist/internal/waitlist"
)

// Backend is a waitlist store that also resolves cooldown policies.
type Backend interface {
	waitlist.Store
	waitlist.OfferTimeouts
	waitlist.PolicyResolver
	GetOffer(ctx context.Context, id string) (models.WaitlistOffer, bool, error)
	ListLifecycleEvents(ctx context.Context, entryID string) ([]models.LifecycleEvent, error)
	RunMigrations(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*sqlite.Store)(nil)
)

// Open connects the backend selected by STORE_DRIVER.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.StoreDriver {
	case "", "postgres":
		s, err := New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// OpenSQLite opens a single-file store with the schema applied.
func OpenSQLite(path string) (*sqlite.Store, error) {
	return sqlite.Open(path)
}
