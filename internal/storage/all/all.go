// Package all registers every storage backend with the storage factory.
// Binaries import it for side effects and pick the backend from config.
package all

import (
	_ "healthetl/internal/storage/postgres"
	_ "healthetl/internal/storage/sqlite"
)
