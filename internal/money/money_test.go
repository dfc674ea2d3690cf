package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCanonical(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1234.56", "1234.56"},
		{"1234.5", "1234.50"},
		{"1234", "1234.00"},
		{"0", "0.00"},
		{"0.10", "0.10"},
		{"-5.25", "-5.25"},
		{" 99.90 ", "99.90"},
	}
	for _, tc := range cases {
		a, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, a.String())
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"", "abc", "1.234", "0.001", "1,000.00", "1.2.3"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a := MustParse("1005.00")
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `"1005.00"`, string(raw))

	var back Amount
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, a.Equal(back))
}

func TestUnmarshalNumberForm(t *testing.T) {
	var a Amount
	require.NoError(t, json.Unmarshal([]byte(`199.5`), &a))
	assert.Equal(t, "199.50", a.String())

	var b Amount
	assert.Error(t, json.Unmarshal([]byte(`1.999`), &b))
}

func TestArithmeticExact(t *testing.T) {
	payment := MustParse("800.00")
	applied := Sum(MustParse("500.00"), MustParse("300.00"))
	assert.True(t, payment.Equal(applied))
	assert.True(t, payment.Sub(applied).IsZero())
}

func TestWithinTolerance(t *testing.T) {
	a := MustParse("1000.00")
	assert.True(t, a.WithinTolerance(MustParse("1000.00"), 0))
	assert.False(t, a.WithinTolerance(MustParse("1000.01"), 0))
	assert.True(t, MustParse("1001.00").WithinTolerance(a, 0.5))
	assert.False(t, MustParse("1010.00").WithinTolerance(a, 0.5))
}

func TestScan(t *testing.T) {
	var a Amount
	require.NoError(t, a.Scan("42.10"))
	assert.Equal(t, "42.10", a.String())

	var b Amount
	require.NoError(t, b.Scan([]byte("7.00")))
	assert.Equal(t, "7.00", b.String())

	var c Amount
	require.NoError(t, c.Scan(nil))
	assert.True(t, c.IsZero())
}

func TestParseCurrency(t *testing.T) {
	cur, err := ParseCurrency("EUR")
	require.NoError(t, err)
	assert.Equal(t, Currency("EUR"), cur)

	for _, in := range []string{"", "eur", "EURO", "E1R"} {
		_, err := ParseCurrency(in)
		assert.Error(t, err, in)
	}
}

func TestMin(t *testing.T) {
	assert.Equal(t, "3.00", MustParse("3.00").Min(MustParse("5.00")).String())
	assert.Equal(t, "3.00", MustParse("5.00").Min(MustParse("3.00")).String())
}
