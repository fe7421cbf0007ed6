package storage

// InitStore connects to PostgreSQL and returns the store. Schema
// migrations are applied separately by workflow-api-migrate.
func InitStore(dbConnStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}
