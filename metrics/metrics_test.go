package metrics

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/star-ledger/ledger"
	"github.com/warp/star-ledger/ledger/store"
)

func TestLedger_Observe(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOperation(ledger.KindAward, ledger.OutcomeCommitted, 1, time.Millisecond)
	m.ObserveOperation(ledger.KindAward, ledger.OutcomeCommitted, 2, time.Millisecond)
	m.ObserveOperation(ledger.KindRedemption, ledger.OutcomeInsufficient, 1, time.Millisecond)
	m.ObserveConflict(ledger.KindAward)
	m.ObservePublishFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("award", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("redemption", "insufficient_balance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Conflicts.WithLabelValues("award")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures))
}

func TestLedger_WiredIntoCoordinator(t *testing.T) {
	// GIVEN: A coordinator reporting to a private registry
	reg := prometheus.NewRegistry()
	m := New(reg)
	mem := store.NewMemory()
	coord := ledger.NewCoordinator(mem,
		ledger.WithRecorder(m),
		ledger.WithLogger(log.New(io.Discard, "", 0)),
	)
	ctx := context.Background()
	_, err := coord.OpenAccount(ctx, "kid-1")
	require.NoError(t, err)

	// WHEN: One award commits and one redemption is refused
	_, err = coord.Award(ctx, ledger.AwardRequest{AccountID: "kid-1", Amount: 2})
	require.NoError(t, err)
	_, err = coord.Redeem(ctx, ledger.RedeemRequest{AccountID: "kid-1", Cost: 5})
	require.Error(t, err)

	// THEN: Both outcomes are counted
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("award", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("redemption", "insufficient_balance")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.Duration))
}
