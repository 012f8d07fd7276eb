package ledgerxgo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LocalHelper prepares a local Postgres database for the seeder and the
// integration tests.
type LocalHelper struct {
	Conn    *pgx.Conn
	DataDir string
}

func NewLocalHelper(ctx context.Context, cfg *Config, dataDir string) (*LocalHelper, error) {
	conn, err := pgx.Connect(ctx, cfg.Database.ConnectionString)
	if err != nil {
		return nil, err
	}
	if dataDir == "" {
		dataDir = "testdata"
	}
	return &LocalHelper{
		Conn:    conn,
		DataDir: dataDir,
	}, nil
}

func (lh *LocalHelper) InitDB(ctx context.Context) (func(), error) {
	bits, err := os.ReadFile(filepath.Join(lh.DataDir, "init_db.sql"))
	if err != nil {
		return nil, err
	}
	if _, err = lh.Conn.Exec(ctx, string(bits)); err != nil {
		return nil, err
	}
	return lh.teardownDB(), err
}

// SeedAccounts renders the seed template for the given accounts and runs it.
// Accounts that already exist are left alone.
func (lh *LocalHelper) SeedAccounts(ctx context.Context, accts []Account) error {
	funcMap := template.FuncMap{
		"ToUpper": func(c AccountClass) string { return strings.ToUpper(string(c)) },
	}
	bits, err := os.ReadFile(filepath.Join(lh.DataDir, "seed_accounts.tmpl"))
	if err != nil {
		return err
	}
	tmpl, err := template.New("seed_accounts").Funcs(funcMap).Parse(string(bits))
	if err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	if err = tmpl.Execute(buf, accts); err != nil {
		return err
	}

	_, err = lh.Conn.Exec(ctx, buf.String())
	return err
}

func (lh *LocalHelper) teardownDB() func() {
	return func() {
		ctx := context.Background()
		defer lh.Conn.Close(ctx)

		bits, err := os.ReadFile(filepath.Join(lh.DataDir, "teardown_db.sql"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "DB cleanup read teardown sql: %s", err.Error())
			return
		}
		if _, err = lh.Conn.Exec(ctx, string(bits)); err != nil {
			fmt.Fprintf(os.Stderr, "DB cleanup exec teardown sql: %s", err.Error())
			return
		}
	}
}

// Accounts builds the active accounts described by the seed entries.
func (c *Config) Accounts(now time.Time) []Account {
	out := make([]Account, 0, len(c.SeedAccounts))
	for _, sa := range c.SeedAccounts {
		out = append(out, Account{
			ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(sa.Number)),
			Owner:     sa.Owner,
			Number:    sa.Number,
			Balance:   sa.Balance,
			Status:    StatusActive,
			Class:     AccountClass(strings.ToUpper(string(sa.Class))),
			CreatedAt: now,
		})
	}
	return out
}
