package ledgerxgo

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	StatusActive AccountStatus = "ACTIVE"
	StatusClosed AccountStatus = "CLOSED"
)

type AccountClass string

const (
	ClassSavings AccountClass = "SAVINGS"
	ClassCurrent AccountClass = "CURRENT"
)

// Account is passed around by value. Only the Orchestrator writes one back
// to the store.
type Account struct {
	ID        uuid.UUID       `json:"id"`
	Owner     string          `json:"owner"`
	Number    string          `json:"number"`
	Balance   decimal.Decimal `json:"balance"`
	Status    AccountStatus   `json:"status"`
	Class     AccountClass    `json:"class"`
	CreatedAt time.Time       `json:"created_at"`
}

func (a Account) Active() bool {
	return a.Status == StatusActive
}

func (a Account) OwnedBy(actor string) bool {
	return a.Owner == actor
}
