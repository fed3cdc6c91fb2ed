// Package postgres implements store.Store backed by PostgreSQL via pgx/v5.
package postgres
