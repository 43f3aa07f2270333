package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

// ReplayResult is the deterministic state reconstructed from a journal,
// per §4.5's "Replay" semantics table.
type ReplayResult struct {
	Balances    map[string]decimal.Decimal
	TotalEvents int
}

// Replay deterministically reconstructs account balances from journalPath's
// events. Must equal the live snapshot's balances; divergence is a bug.
func Replay(journalPath string) (ReplayResult, error) {
	events, err := ReadEvents(journalPath)
	if err != nil {
		return ReplayResult{}, err
	}

	result := ReplayResult{Balances: make(map[string]decimal.Decimal)}
	add := func(account string, delta decimal.Decimal) {
		if account == "" {
			return
		}
		result.Balances[account] = result.Balances[account].Add(delta)
	}

	for _, ev := range events {
		amount, err := decimal.NewFromString(ev.Amount)
		if err != nil {
			amount = decimal.Zero
		}

		switch {
		case ev.ToAccount != "":
			add(ev.Account, amount.Neg())
			add(ev.ToAccount, amount)
		case ev.Type == model.EventCredit:
			add(ev.Account, amount)
		case ev.Type == model.EventDebit, ev.Type == model.EventCharge:
			add(ev.Account, amount.Neg())
		case ev.Type == model.EventAdjust:
			add(ev.Account, amount)
		case ev.Type == model.EventReconcile:
			// no-op marker
		}
		result.TotalEvents++
	}
	return result, nil
}
