package feed

import "errors"

var (
	// ErrDatabaseNotFound is returned when the server reports that the
	// followed database does not exist. The consumer still retries on it;
	// the database may be created later.
	ErrDatabaseNotFound = errors.New("database not found")

	// ErrMalformedRecord marks a feed row that failed to parse as JSON.
	ErrMalformedRecord = errors.New("malformed feed record")
)
