package config

import (
	"context"

	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/market/libs/log"
	"github.com/tendermint/market/libs/service"
)

// ServiceProvider takes a config and a logger and returns a ready to go Node.
type ServiceProvider func(context.Context, *Config, log.Logger) (service.Service, error)

// DBContext specifies config information for loading a new DB.
type DBContext struct {
	ID     string
	Config *Config
}

// DBProvider takes a DBContext and returns an instantiated DB.
type DBProvider func(*DBContext) (dbm.DB, error)

// DefaultDBProvider returns a database using the DBBackend and DBDir
// specified in the Config. The psql backend only moves the market store to
// PostgreSQL, so the key-value databases it still needs use goleveldb.
func DefaultDBProvider(ctx *DBContext) (dbm.DB, error) {
	backend := ctx.Config.DBBackend
	if backend == DBBackendPSQL {
		backend = string(dbm.GoLevelDBBackend)
	}
	return dbm.NewDB(ctx.ID, dbm.BackendType(backend), ctx.Config.DBDir())
}
