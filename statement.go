package ledgerxgo

import (
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/shopspring/decimal"
)

const statementDateFmt = "2006-01-02 15:04"

var statementCols = []struct {
	title string
	width float64
	align string
}{
	{"Date", 34, "L"},
	{"Reference", 40, "L"},
	{"Type", 26, "L"},
	{"Status", 22, "L"},
	{"Debit", 24, "R"},
	{"Credit", 24, "R"},
}

// RenderStatement writes a PDF account statement listing txns as given,
// most recent first. FAILED transactions are listed without amounts.
func RenderStatement(w io.Writer, acct Account, txns []Transaction, now time.Time) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Account statement "+acct.Number, true)
	pdf.SetAuthor("ledgerxgo", true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "Account statement", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Account: %s (%s)", acct.Number, acct.Class), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Status: %s", acct.Status), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Balance: %s", acct.Balance.StringFixed(2)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated: %s", now.UTC().Format(statementDateFmt)), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	for _, c := range statementCols {
		pdf.CellFormat(c.width, 7, c.title, "1", 0, c.align, true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	if len(txns) == 0 {
		pdf.CellFormat(0, 7, "No transactions.", "1", 1, "C", false, 0, "")
	}
	for _, t := range txns {
		debit, credit := "", ""
		if t.Status == TxnSuccess {
			if t.From != nil && *t.From == acct.ID {
				debit = t.Amount.StringFixed(2)
			}
			if t.To != nil && *t.To == acct.ID {
				credit = t.Amount.StringFixed(2)
			}
		}
		cells := []string{
			t.CreatedAt.UTC().Format(statementDateFmt),
			t.ID.String(),
			string(t.Kind),
			string(t.Status),
			debit,
			credit,
		}
		for i, c := range statementCols {
			pdf.CellFormat(c.width, 6, cells[i], "1", 0, c.align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	in, out := statementTotals(acct, txns)
	pdf.Ln(2)
	pdf.SetFont("Helvetica", "B", 9)
	pdf.CellFormat(0, 6, fmt.Sprintf("Total debits: %s   Total credits: %s", out.StringFixed(2), in.StringFixed(2)), "", 1, "R", false, 0, "")

	if err := pdf.Error(); err != nil {
		return err
	}
	return pdf.Output(w)
}

func statementTotals(acct Account, txns []Transaction) (credits, debits decimal.Decimal) {
	for _, t := range txns {
		if t.Status != TxnSuccess {
			continue
		}
		if t.From != nil && *t.From == acct.ID {
			debits = debits.Add(t.Amount)
		}
		if t.To != nil && *t.To == acct.ID {
			credits = credits.Add(t.Amount)
		}
	}
	return credits, debits
}
