package postgres

import "healthetl/internal/storage"

func init() {
	// registers the postgres backend factory
	storage.Register("postgres", New)
}
