// Package mysql provides the MySQL-backed job store used by the marketplace.
// It embeds the schema migrations and serialises claims with a row lock plus a
// conditional update so that a job is fulfilled at most once across replicas.
package mysql
