package store

import "strconv"

// SetSchemaVersion overwrites the stored schema version.
func SetSchemaVersion(s *DBStore, version int) error {
	return s.db.SetSync(metaKey(metaSchemaVersion), []byte(strconv.Itoa(version)))
}
