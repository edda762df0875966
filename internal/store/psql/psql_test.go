package psql

import (
	"flag"
	"fmt"
	"log"
	"os"
	"testing"

	"github.com/ory/dockertest"
	"github.com/ory/dockertest/docker"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/market/internal/store"
	"github.com/tendermint/market/internal/store/storetest"
)

var (
	doPauseAtExit = flag.Bool("pause-at-exit", false,
		"If true, pause the test until interrupted at shutdown, to allow debugging")

	// connection string of the shared test database, empty when docker is
	// not available
	testConn string
)

const (
	user     = "postgres"
	password = "secret"
	port     = "5432"
	dsn      = "postgres://%s:%s@localhost:%s/%s?sslmode=disable"
	dbName   = "postgres"
)

func TestMain(m *testing.M) {
	flag.Parse()

	pool, err := dockertest.NewPool(os.Getenv("DOCKER_URL"))
	if err != nil || pool.Client.Ping() != nil {
		log.Print("Docker is not available, skipping PostgreSQL store tests")
		os.Exit(m.Run())
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "13",
		Env: []string{
			"POSTGRES_USER=" + user,
			"POSTGRES_PASSWORD=" + password,
			"POSTGRES_DB=" + dbName,
			"listen_addresses = '*'",
		},
		ExposedPorts: []string{port},
	}, func(config *docker.HostConfig) {
		// set AutoRemove to true so that stopped container goes away by itself
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{
			Name: "no",
		}
	})
	if err != nil {
		log.Fatalf("Starting docker pool: %v", err)
	}

	if !*doPauseAtExit {
		const expireSeconds = 60
		_ = resource.Expire(expireSeconds)
	}

	conn := fmt.Sprintf(dsn, user, password, resource.GetPort(port+"/tcp"), dbName)
	if err := pool.Retry(func() error {
		s, err := Open(conn)
		if err != nil {
			return err
		}
		return s.Close()
	}); err != nil {
		log.Fatalf("Connecting to database: %v", err)
	}
	testConn = conn

	code := m.Run()

	if *doPauseAtExit {
		log.Print("Testing complete, pausing for inspection")
		select {}
	}
	log.Print("Shutting down database")
	if err := pool.Purge(resource); err != nil {
		log.Printf("WARNING: Purging pool failed: %v", err)
	}
	os.Exit(code)
}

// openClean opens the shared database and drops all rows.
func openClean(t *testing.T) *Store {
	t.Helper()
	if testConn == "" {
		t.Skip("PostgreSQL is not available")
	}
	s, err := Open(testConn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.DB().Exec(`TRUNCATE orders, order_reserved_ticks, ticks, transactions, payments, traders CASCADE;`)
	require.NoError(t, err)
	_, err = s.DB().Exec(`UPDATE meta SET value = 0 WHERE name <> 'schema_version';`)
	require.NoError(t, err)
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openClean(t)
	})
}

func TestMigrationsAreIdempotent(t *testing.T) {
	s := openClean(t)
	_, err := New(s.DB())
	require.NoError(t, err)
}

func TestRefusesNewerSchema(t *testing.T) {
	s := openClean(t)
	_, err := s.DB().Exec(`UPDATE meta SET value = $1 WHERE name = 'schema_version';`, store.SchemaVersion+1)
	require.NoError(t, err)
	defer func() {
		_, err := s.DB().Exec(`UPDATE meta SET value = $1 WHERE name = 'schema_version';`, store.SchemaVersion)
		require.NoError(t, err)
	}()

	_, err = New(s.DB())
	require.ErrorIs(t, err, store.ErrSchemaVersion)
}
