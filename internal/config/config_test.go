package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "portalsync.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "./data/portal.db", cfg.Database.ResolvedDSN())
	assert.Equal(t, "https://tas.example.org", cfg.TAS.URL)
	assert.Equal(t, "Chameleon", cfg.TAS.Group)
	assert.Equal(t, 45*time.Second, cfg.TAS.RequestTimeout())
	require.NotNil(t, cfg.LDAP)
	assert.Equal(t, "dc=chameleoncloud,dc=org", cfg.LDAP.BaseDN)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, DefaultMetricsJob, cfg.Metrics.Job)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var cfgErr *Error
	require.True(t, errors.As(err, &cfgErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portalsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(EnvTASClientSecret+"=from-dotenv\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv(EnvTASClientSecret) })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.TAS.ClientSecret)
}

const minimal = `
database:
  driver: pgx
  dsn: postgres://portal@db/{name}
tas:
  url: https://tas.example.org
  group: Chameleon
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, DefaultBatchSize, cfg.Sync.BatchSize)
	assert.Equal(t, DefaultTASTimeout, cfg.TAS.RequestTimeout())
	assert.Equal(t, "postgres://portal@db/portal", cfg.Database.ResolvedDSN())
	assert.Nil(t, cfg.LDAP)
	assert.Empty(t, cfg.Metrics.Pushgateway)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvTASClientKey, "env-key")
	t.Setenv(EnvDatabaseDSN, "postgres://override/{name}")

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.TAS.ClientKey)
	assert.Equal(t, "postgres://override/portal", cfg.Database.ResolvedDSN())
}

const noDSN = `
database:
  driver: pgx
tas:
  url: https://tas.example.org
  group: Chameleon
`

func TestParse_DSNFromEnv(t *testing.T) {
	t.Setenv(EnvDatabaseDSN, "postgres://env/{name}")

	cfg, err := Parse([]byte(noDSN))
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/portal", cfg.Database.ResolvedDSN())
}

func TestParse_MissingDSN(t *testing.T) {
	t.Setenv(EnvDatabaseDSN, "")

	_, err := Parse([]byte(noDSN))
	assert.ErrorIs(t, err, ErrMissingDSN)
}

func TestLoad_DSNFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portalsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(noDSN), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(EnvDatabaseDSN+"=postgres://dotenv/{name}\n"), 0o644))
	t.Setenv(EnvDatabaseDSN, "")
	os.Unsetenv(EnvDatabaseDSN)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://dotenv/portal", cfg.Database.ResolvedDSN())
}

func TestParse_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing tas url", `
database: {driver: sqlite3, dsn: x.db}
tas: {group: Chameleon}
`},
		{"bad driver", `
database: {driver: mysql, dsn: x.db}
tas: {url: "https://tas", group: Chameleon}
`},
		{"non-positive batch size", `
database: {driver: sqlite3, dsn: x.db}
tas: {url: "https://tas", group: Chameleon}
sync: {batch_size: 0}
`},
		{"unknown field", `
database: {driver: sqlite3, dsn: x.db}
tas: {url: "https://tas", group: Chameleon}
extra: true
`},
		{"ldap without base dn", `
database: {driver: sqlite3, dsn: x.db}
tas: {url: "https://tas", group: Chameleon}
ldap: {url: "ldap://ldap"}
`},
		{"not yaml", `database: [`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestWithName(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	other := cfg.WithName("portal_staging")
	assert.Equal(t, "postgres://portal@db/portal_staging", other.Database.ResolvedDSN())
	assert.Equal(t, "portal", cfg.Database.Name, "WithName must not modify the receiver")
	assert.Equal(t, "portal", cfg.WithName("").Database.Name)
}
