package config

import "strings"

// Environment identifies the runtime environment where dexroute operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StorageDriver selects the order and job store implementation.
type StorageDriver string

const (
	// StoragePostgres persists orders and jobs in PostgreSQL.
	StoragePostgres StorageDriver = "postgres"
	// StorageMemory keeps orders and jobs in process, for local runs.
	StorageMemory StorageDriver = "memory"
)

func normalizeToken(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
