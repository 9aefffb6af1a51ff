package domain

import (
	"sort"
	"time"

	"github.com/cveti/loyalty-bot/internal/models"
)

// LotDebit decrements RemainingAmount of a single earn lot.
type LotDebit struct {
	LotID  int64
	Amount int64
}

// DebitPlan is the outcome of planning a FIFO debit.
type DebitPlan struct {
	Debits    []LotDebit
	Applied   int64
	Shortfall int64 // requested but not coverable by spendable lots
}

// IsSpendable reports whether a lot still contributes to the balance at now.
func IsSpendable(lot models.EarnLot, now time.Time) bool {
	return lot.Remaining > 0 && lot.ExpiresAt.After(now)
}

// AvailableBalance sums the remaining amount of unexpired lots.
func AvailableBalance(lots []models.EarnLot, now time.Time) int64 {
	var total int64
	for _, lot := range lots {
		if IsSpendable(lot, now) {
			total += lot.Remaining
		}
	}
	return total
}

// SortFIFO orders lots oldest first; ties are broken by id.
func SortFIFO(lots []models.EarnLot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if lots[i].CreatedAt.Equal(lots[j].CreatedAt) {
			return lots[i].ID < lots[j].ID
		}
		return lots[i].CreatedAt.Before(lots[j].CreatedAt)
	})
}

// PlanFIFODebit draws amount from spendable lots, oldest first. A debit
// larger than the spendable total is clamped; the uncovered part is
// reported as Shortfall and never produces a negative remaining amount.
func PlanFIFODebit(lots []models.EarnLot, amount int64, now time.Time) DebitPlan {
	plan := DebitPlan{}
	if amount <= 0 {
		return plan
	}

	ordered := make([]models.EarnLot, len(lots))
	copy(ordered, lots)
	SortFIFO(ordered)

	left := amount
	for _, lot := range ordered {
		if left == 0 {
			break
		}
		if !IsSpendable(lot, now) {
			continue
		}
		take := min(lot.Remaining, left)
		plan.Debits = append(plan.Debits, LotDebit{LotID: lot.ID, Amount: take})
		plan.Applied += take
		left -= take
	}
	plan.Shortfall = left
	return plan
}
