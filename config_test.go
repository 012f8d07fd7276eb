package ledgerxgo_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arhyth/ledgerxgo"
)

func writeConfig(tt *testing.T, body string) string {
	path := filepath.Join(tt.TempDir(), "config.yml")
	require.NoError(tt, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("fills in defaults", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		cfg, err := ledgerxgo.LoadConfig(writeConfig(tt, `
database:
  conn_str: postgres://ledger@localhost/ledger
redis:
  addr: localhost:6379
`))
		reqrd.NoError(err)
		as.Equal(":3000", cfg.Server.Addr)
		as.Equal(int64(1), cfg.Server.NodeID)
		as.Equal(5*time.Second, cfg.Server.StoreTimeout)
		as.Equal("info", cfg.Server.LogLevel)
		as.Equal(int64(64), cfg.Limits.InFlight)
		as.Equal("ministatement", cfg.Redis.Prefix)
		as.Equal("ledger.audit", cfg.NATS.Subject)
		as.Equal("postgres://ledger@localhost/ledger", cfg.Database.ConnectionString)
	})

	t.Run("reads seed accounts with stable ids", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		path := writeConfig(tt, `
server:
  store_timeout: 2s
seed_accounts:
  - owner: alice
    number: A1
    balance: "1000.50"
    class: SAVINGS
  - owner: bob
    number: A2
    balance: "500"
    class: CURRENT
`)
		cfg, err := ledgerxgo.LoadConfig(path)
		reqrd.NoError(err)
		as.Equal(2*time.Second, cfg.Server.StoreTimeout)

		now := time.Now()
		accts := cfg.Accounts(now)
		reqrd.Len(accts, 2)
		as.Equal("1000.5", accts[0].Balance.String())
		as.Equal(ledgerxgo.ClassCurrent, accts[1].Class)
		as.Equal(ledgerxgo.StatusActive, accts[1].Status)
		as.NotEqual(uuid.Nil, accts[0].ID)

		again, err := ledgerxgo.LoadConfig(path)
		reqrd.NoError(err)
		as.Equal(accts[0].ID, again.Accounts(now)[0].ID)
	})

	t.Run("rejects invalid settings", func(tt *testing.T) {
		as := assert.New(tt)
		_, err := ledgerxgo.LoadConfig(writeConfig(tt, `
server:
  node_id: 4096
mongo:
  uri: mongodb://localhost:27017
seed_accounts:
  - owner: alice
    number: A1
    class: CHECKING
`))
		errir := &ledgerxgo.ErrInvalidRequest{}
		as.ErrorAs(err, errir)
		as.Contains(errir.Fields, "server.node_id")
		as.Contains(errir.Fields, "mongo.database")
		as.Contains(errir.Fields, "seed_accounts")
	})

	t.Run("missing file", func(tt *testing.T) {
		_, err := ledgerxgo.LoadConfig(filepath.Join(tt.TempDir(), "nope.yml"))
		assert.ErrorIs(tt, err, os.ErrNotExist)
	})
}
