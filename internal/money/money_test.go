package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"150", "150", false},
		{" 2.50 ", "2.5", false},
		{"0", "0", false},
		{"-1", "", true},
		{"abc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), got.String())
		})
	}
}

func TestFiatValue(t *testing.T) {
	got := FiatValue(300, decimal.RequireFromString("150"))
	assert.Equal(t, "45000.00", Format(got))

	got = FiatValue(3, decimal.RequireFromString("0.333"))
	assert.Equal(t, "1.00", Format(got))
}

func TestCommission(t *testing.T) {
	fiat := decimal.RequireFromString("45000")
	assert.Equal(t, "900.00", Format(Commission(fiat, decimal.RequireFromString("0.02"))))

	// 0.02 * 12.25 = 0.245 rounds half away from zero.
	assert.Equal(t, "0.25", Format(Commission(decimal.RequireFromString("12.25"), decimal.RequireFromString("0.02"))))
	assert.True(t, Commission(fiat, decimal.Zero).IsZero())
}

func TestNormalizeCurrency(t *testing.T) {
	c, err := NormalizeCurrency(" ngn")
	require.NoError(t, err)
	assert.Equal(t, "NGN", c)

	for _, bad := range []string{"", "NG", "NAIRA", "N1N"} {
		_, err := NormalizeCurrency(bad)
		assert.ErrorIs(t, err, ErrInvalidCurrency, bad)
	}
}
