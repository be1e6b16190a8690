package catalog

import (
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// placeholders returns the distinct parameter numbers a statement binds.
func placeholders(t *testing.T, sql string) map[int]bool {
	t.Helper()
	out := make(map[int]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(sql, -1) {
		n, err := strconv.Atoi(m[1])
		require.NoError(t, err)
		out[n] = true
	}
	return out
}

func requireContiguous(t *testing.T, sql string, args int) {
	t.Helper()
	used := placeholders(t, sql)
	require.Len(t, used, args, "statement must reference every argument exactly")
	for i := 1; i <= args; i++ {
		assert.True(t, used[i], "parameter $%d is never referenced", i)
	}
}

func sampleProduct() Product {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return Product{
		ID: uuid.New(), ExternalID: "1001", Name: "Leberkäse",
		SellingUnit: UnitPiece, PricingUnit: UnitWeightKg,
		SyncedPrice: decimal.RequireFromString("18.90"), SyncedStock: decimal.NewFromInt(12),
		ReviewState: ReviewApproved, IsAvailable: true,
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now,
	}
}

func TestInsertBindsEveryColumn(t *testing.T) {
	columns := strings.Split(productColumns, ",")
	args := productArgs(sampleProduct())
	require.Len(t, args, len(columns))
	requireContiguous(t, insertProductSQL, len(args))
}

func TestUpdateBindsEveryArgument(t *testing.T) {
	p := sampleProduct()
	args := productUpdateArgs(p)
	requireContiguous(t, updateProductSQL, len(args))
	assert.NotContains(t, updateProductSQL, "created_at")
	assert.Equal(t, p.UpdatedAt, args[len(args)-1])
	assert.Equal(t, p.ID, args[0])

	insert := productArgs(p)
	assert.Equal(t, p.CreatedAt, insert[30])
	assert.Equal(t, p.UpdatedAt, insert[31])
}
