// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pgxv4 provides a database/sql driver for PostgreSQL using pgx/v4
// and the connector. The DSN's host position carries the AlloyDB instance
// URI; the connector establishes the transport in place of a TCP dial.
package pgxv4

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"

	alloydbconnect "github.com/GoogleCloudPlatform/alloydb-connect-go"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/stdlib"
)

// RegisterDriver registers a Postgres driver using the provided name. The
// returned cleanup function closes the underlying Connector and should be
// called when the driver is no longer needed.
func RegisterDriver(name string, opts ...alloydbconnect.Option) (func() error, error) {
	c, err := alloydbconnect.NewConnector(context.Background(), opts...)
	if err != nil {
		return func() error { return nil }, err
	}
	sql.Register(name, &pgDriver{connector: c})
	return func() error { return c.Close() }, nil
}

type pgDriver struct {
	connector *alloydbconnect.Connector
}

// Open accepts a keyword/value formatted connection string and returns a
// connection to the database using the Connector. The host field carries
// the instance's URI.
func (p *pgDriver) Open(name string) (driver.Conn, error) {
	config, err := pgx.ParseConfig(name)
	if err != nil {
		return nil, err
	}
	instURI := config.Config.Host
	// The driver-supplied address is unused; the connector resolves the
	// instance's endpoint itself.
	config.DialFunc = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return p.connector.Connect(ctx, instURI)
	}

	dbURI := stdlib.RegisterConnConfig(config)
	return stdlib.GetDefaultDriver().Open(dbURI)
}
