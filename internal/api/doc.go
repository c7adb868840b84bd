// Package api exposes the marketplace over HTTP: agent registration and
// reputation adjustment, job posting, atomic claims and read-only queries.
// Request bodies are validated with go-playground/validator and domain errors
// are mapped to status codes by their registered category.
package api
