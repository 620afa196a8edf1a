// Package database opens the PostgreSQL pool used by the recorder.
//
// The recorder is optional: a client that only follows channels never
// touches this package.
package database
