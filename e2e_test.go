// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !skip_alloydb
// +build !skip_alloydb

package alloydbconnect_test

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	alloydbconnect "github.com/GoogleCloudPlatform/alloydb-connect-go"
	"github.com/GoogleCloudPlatform/alloydb-connect-go/driver/pgxv4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	alloydbInstanceURI = os.Getenv("ALLOYDB_INSTANCE_URI") // AlloyDB instance URI, in the form of 'projects/PROJECT/locations/REGION/clusters/CLUSTER/instances/INSTANCE'.
	alloydbUser        = os.Getenv("ALLOYDB_USER")         // Name of database user.
	alloydbPass        = os.Getenv("ALLOYDB_PASS")         // Password for the database user; be careful when entering a password on the command line (it may go into your terminal's history).
	alloydbDB          = os.Getenv("ALLOYDB_DB")           // Name of the database to connect to.
	alloydbIAMUser     = os.Getenv("ALLOYDB_USER_IAM")     // Name of database IAM user.
)

func requireAlloyDBVars(t *testing.T) {
	switch "" {
	case alloydbInstanceURI:
		t.Fatal("'ALLOYDB_INSTANCE_URI' env var not set")
	case alloydbUser:
		t.Fatal("'ALLOYDB_USER' env var not set")
	case alloydbPass:
		t.Fatal("'ALLOYDB_PASS' env var not set")
	case alloydbDB:
		t.Fatal("'ALLOYDB_DB' env var not set")
	case alloydbIAMUser:
		t.Fatal("'ALLOYDB_USER_IAM' env var not set")
	}
}

func TestPgxConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration tests")
	}
	requireAlloyDBVars(t)

	ctx := context.Background()

	c, err := alloydbconnect.NewConnector(ctx)
	if err != nil {
		t.Fatalf("failed to init Connector: %v", err)
	}
	defer c.Close()

	dsn := fmt.Sprintf("user=%s password=%s dbname=%s sslmode=disable", alloydbUser, alloydbPass, alloydbDB)
	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse pgx config: %v", err)
	}

	config.DialFunc = func(ctx context.Context, _ string, _ string) (net.Conn, error) {
		return c.Connect(ctx, alloydbInstanceURI)
	}

	conn, connErr := pgx.ConnectConfig(ctx, config)
	if connErr != nil {
		t.Fatalf("failed to connect: %s", connErr)
	}
	defer conn.Close(ctx)

	var now time.Time
	err = conn.QueryRow(context.Background(), "SELECT NOW()").Scan(&now)
	if err != nil {
		t.Fatalf("QueryRow failed: %s", err)
	}
	t.Log(now)
}

func TestPgxPoolConnectWithIAMAuthN(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration tests")
	}
	requireAlloyDBVars(t)

	ctx := context.Background()

	c, err := alloydbconnect.NewConnector(ctx, alloydbconnect.WithIAMAuthN())
	if err != nil {
		t.Fatalf("failed to init Connector: %v", err)
	}
	defer c.Close()

	dsn := fmt.Sprintf("user=%s dbname=%s sslmode=disable", alloydbIAMUser, alloydbDB)
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse pgx config: %v", err)
	}

	config.ConnConfig.DialFunc = func(ctx context.Context, _ string, _ string) (net.Conn, error) {
		return c.Connect(ctx, alloydbInstanceURI)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("failed to create pool: %s", err)
	}
	defer pool.Close()

	var now time.Time
	err = pool.QueryRow(context.Background(), "SELECT NOW()").Scan(&now)
	if err != nil {
		t.Fatalf("QueryRow failed: %s", err)
	}
	t.Log(now)
}

func TestDatabaseSQLHook(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration tests")
	}
	requireAlloyDBVars(t)

	cleanup, err := pgxv4.RegisterDriver("alloydb")
	if err != nil {
		t.Fatalf("failed to register driver: %v", err)
	}
	defer cleanup()

	db, err := sql.Open(
		"alloydb",
		fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=disable",
			alloydbInstanceURI, alloydbUser, alloydbPass, alloydbDB),
	)
	if err != nil {
		t.Fatalf("sql.Open want err = nil, got = %v", err)
	}
	defer db.Close()

	var now time.Time
	if err := db.QueryRow("SELECT NOW()").Scan(&now); err != nil {
		t.Fatalf("QueryRow failed: %v", err)
	}
	t.Log(now)
}
