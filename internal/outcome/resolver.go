package outcome

import (
	"OptionLedger/internal/control"
	"OptionLedger/internal/domain"
	"OptionLedger/internal/fpmath"
	"OptionLedger/internal/trade"
)

// profitRates maps duration seconds to the payout percentage. The same rate
// is used for wins and losses: a lost trade forfeits amount*rate, not the
// full stake (except at the 100% tier).
var profitRates = map[int64]int64{
	30:  10,
	60:  15,
	90:  20,
	120: 25,
	180: 30,
	240: 50,
	300: 75,
	600: 100,
}

// Rate returns the payout percentage for a duration.
func Rate(durationSeconds int64) (int64, bool) {
	r, ok := profitRates[durationSeconds]
	return r, ok
}

// Input carries everything the resolver needs. It is assembled by the
// settlement processor; the resolver itself touches no external state.
type Input struct {
	Amount          int64
	DurationSeconds int64
	Mode            control.Mode

	// MarketWin is the market-direction signal: whether the price moved the
	// way the trade staked. Ignored under force_win/force_lose.
	MarketWin bool
}

// Resolve decides a trade's result and signed profit amount.
func Resolve(in Input) (trade.Result, int64, error) {
	rate, ok := Rate(in.DurationSeconds)
	if !ok {
		return "", 0, domain.Validationf("duration", "no profit rate for %ds", in.DurationSeconds)
	}

	win := in.MarketWin
	switch in.Mode {
	case control.ModeForceWin:
		win = true
	case control.ModeForceLose:
		win = false
	}

	profit := fpmath.Percent(in.Amount, rate)
	if win {
		return trade.ResultWin, profit, nil
	}
	return trade.ResultLose, -profit, nil
}

// MarketSignal derives the win/lose signal from entry and exit prices.
// A flat price counts as a loss for either direction.
func MarketSignal(direction trade.Direction, entryPrice, exitPrice int64) bool {
	switch direction {
	case trade.DirectionUp:
		return exitPrice > entryPrice
	case trade.DirectionDown:
		return exitPrice < entryPrice
	}
	return false
}
