package app

import (
	"fmt"

	"github.com/transfa/wallet-service/pkg/railclient"
)

// Settlement holds the reconciled numbers of a finished exchange, all in smallest
// units. Fees are in the source currency (local) and in USD.
type Settlement struct {
	TotalFeeLocal   int64
	TotalFeeUSD     int64
	CreditedAmount  int64
	LocalAmountPaid int64
}

// computeSettlement derives the final amounts from the rail quote. The credited
// amount is what the rail reports the destination receives.
func computeSettlement(requested int64, payIn *railclient.PayInResponse) (Settlement, error) {
	s := Settlement{
		TotalFeeLocal:  payIn.Fees.TotalLocal(),
		TotalFeeUSD:    payIn.Fees.TotalUSD(),
		CreditedAmount: payIn.ReceiveAmount,
	}
	if s.CreditedAmount == 0 {
		s.CreditedAmount = payIn.ConvertedAmount
	}
	if s.TotalFeeLocal < 0 || s.TotalFeeUSD < 0 {
		return Settlement{}, fmt.Errorf("rail reported negative fees (local %d, usd %d)", s.TotalFeeLocal, s.TotalFeeUSD)
	}
	s.LocalAmountPaid = requested - s.TotalFeeLocal
	if s.LocalAmountPaid < 0 {
		return Settlement{}, fmt.Errorf("fees %d exceed requested amount %d", s.TotalFeeLocal, requested)
	}
	return s, nil
}
