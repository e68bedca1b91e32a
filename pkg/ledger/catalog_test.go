package ledger_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/ledger"
)

const catalogYAML = `
plans:
  - name: FREE
    features: {projects: 1, teams: 1, proposals: 3, requests: 20, credits: 100}
  - name: PRO
    price: 1900
    period: MONTHLY
    external_plan_id: P-PRO
    features: {projects: 10, teams: 5, proposals: 50, requests: 1000, credits: 5000}
packages:
  - name: Starter
    credits: 500
    bonus: 50
    price: 900
    validity_days: 90
    features: {requests: 100}
`

func TestLoadCatalog(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		c, err := ledger.LoadCatalog(strings.NewReader(catalogYAML))
		require.NoError(t, err)
		require.Len(t, c.Plans, 2)
		assert.Equal(t, int64(1000), c.Plans[1].Features.Requests)
		require.Len(t, c.Packages, 1)
		assert.Equal(t, int64(100), c.Packages[0].Features.Requests)
	})

	t.Run("requires free plan", func(t *testing.T) {
		t.Parallel()
		_, err := ledger.LoadCatalog(strings.NewReader("plans:\n  - name: PRO\n"))
		assert.ErrorIs(t, err, ledger.ErrInvalidCatalog)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		t.Parallel()
		_, err := ledger.LoadCatalog(strings.NewReader("plans:\n  - name: FREE\n    colour: red\n"))
		assert.ErrorIs(t, err, ledger.ErrInvalidCatalog)
	})
}

func TestSeedCatalog_Idempotent(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	c, err := ledger.LoadCatalog(strings.NewReader(catalogYAML))
	require.NoError(t, err)

	require.NoError(t, ledger.SeedCatalog(context.Background(), store, c))
	var firstID string
	err = store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		p, err := tx.GetPlanByName(ctx, "PRO")
		if err != nil {
			return err
		}
		firstID = p.ID.String()
		return nil
	})
	require.NoError(t, err)

	c.Plans[1].Price = 2900
	require.NoError(t, ledger.SeedCatalog(context.Background(), store, c))

	err = store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		p, err := tx.GetPlanByExternalID(ctx, "P-PRO")
		require.NoError(t, err)
		assert.Equal(t, firstID, p.ID.String())
		assert.Equal(t, int64(2900), p.Price)
		assert.Equal(t, ledger.PeriodMonthly, p.Period)
		return nil
	})
	require.NoError(t, err)
}
