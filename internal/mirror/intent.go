package mirror

import (
	"github.com/atmx/mirror-engine/internal/deriv"
	"github.com/atmx/mirror-engine/internal/model"
)

// IntentFromContract normalizes a master contract into the parameters
// replicated on every target. The stake is copied nominally.
func IntentFromContract(oc *deriv.OpenContract) model.TradeIntent {
	intent := model.TradeIntent{
		ContractID:   oc.ContractID.String(),
		ContractType: oc.ContractType,
		Symbol:       oc.Underlying,
		Basis:        "stake",
		Amount:       oc.BuyPrice,
		Duration:     oc.Duration,
		DurationUnit: oc.DurationUnit,
		Barrier:      oc.Barrier.String(),
		Barrier2:     oc.Barrier2.String(),
	}
	// A duration takes precedence over a fixed expiry.
	if intent.Duration == 0 {
		intent.DateExpiry = oc.DateExpiry
	}
	return intent
}

// buyRequest builds the purchase for one target. Only currency and token
// differ between targets; a digit contract's barrier is its predicted digit
// and is forwarded verbatim.
func buyRequest(intent model.TradeIntent, acct model.LinkedAccount) deriv.BuyRequest {
	return deriv.BuyRequest{
		Price: intent.Amount,
		Parameters: deriv.BuyParameters{
			ContractType: intent.ContractType,
			Symbol:       intent.Symbol,
			Basis:        intent.Basis,
			Amount:       intent.Amount,
			Currency:     acct.Currency,
			Duration:     intent.Duration,
			DurationUnit: intent.DurationUnit,
			DateExpiry:   intent.DateExpiry,
			Barrier:      intent.Barrier,
			Barrier2:     intent.Barrier2,
		},
		Token: acct.Token,
	}
}
