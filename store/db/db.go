// Package db instantiates the storage driver selected by the profile.
package db

import (
	"github.com/pkg/errors"

	"github.com/vocerohq/vocero/internal/profile"
	"github.com/vocerohq/vocero/store"
	"github.com/vocerohq/vocero/store/db/postgres"
	"github.com/vocerohq/vocero/store/db/postgrest"
	"github.com/vocerohq/vocero/store/db/sqlite"
)

// NewDriver creates a storage driver based on the profile.
func NewDriver(p *profile.Profile) (store.Driver, error) {
	switch p.Driver {
	case "postgrest":
		return postgrest.NewDriver(p)
	case "postgres":
		return postgres.NewDriver(p)
	case "sqlite":
		return sqlite.NewDriver(p)
	default:
		return nil, errors.Errorf("unknown storage driver %q", p.Driver)
	}
}
