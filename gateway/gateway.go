/*
Package gateway provides payment gateway implementations.

PURPOSE:
  The settlement engine talks to an external payment provider through
  the clearance.PaymentGateway interface. This package carries the
  implementations:

  - LogGateway: dev/demo gateway that logs each settlement and
    succeeds. Optional artificial latency so timeout behavior can be
    exercised locally.

  The production bank-transfer client implements the same interface
  and lives with the deployment, not here.

SEE ALSO:
  - clearance/store.go: PaymentGateway interface
  - clearance/settlement.go: How settlements are issued
*/
package gateway

import (
	"context"
	"log"
	"time"

	"github.com/ferryline/clearance-engine/clearance"
)

// LogGateway is a development gateway. Every settlement succeeds after an
// optional artificial delay.
type LogGateway struct {
	// Latency is added before each settlement returns. Zero means no delay.
	Latency time.Duration
}

// SettlePayment logs the settlement and succeeds. Honors context
// cancellation during the artificial delay.
func (g *LogGateway) SettlePayment(ctx context.Context, affiliateID clearance.AffiliateID) error {
	if g.Latency > 0 {
		select {
		case <-time.After(g.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Printf("[Gateway] settled payment for affiliate %d", affiliateID)
	return nil
}
