package math_test

import (
	"testing"

	fpmath "LendLedger/internal/math"

	"github.com/stretchr/testify/require"
)

const tenPercentRay = "100000000000000000000000000"

func TestLinearInterest(t *testing.T) {
	rate := u(tenPercentRay)

	got, err := fpmath.LinearInterest(rate, 0, fpmath.SecondsPerYear)
	require.NoError(t, err)
	require.Equal(t, "1100000000000000000000000000", got.Dec())

	got, err = fpmath.LinearInterest(rate, 0, 86400)
	require.NoError(t, err)
	require.Equal(t, "1000273972602739726027397260", got.Dec())
}

func TestCompoundedInterest(t *testing.T) {
	rate := u(tenPercentRay)

	got, err := fpmath.CompoundedInterest(rate, 0, 1)
	require.NoError(t, err)
	require.Equal(t, "1000000003170979198376458650", got.Dec())

	got, err = fpmath.CompoundedInterest(rate, 0, 86400)
	require.NoError(t, err)
	require.Equal(t, "1000274010136226429381677987", got.Dec())

	got, err = fpmath.CompoundedInterest(rate, 0, fpmath.SecondsPerYear)
	require.NoError(t, err)
	require.Equal(t, "1105170917900423925599112509", got.Dec())
}

func TestInterestEmptyInterval(t *testing.T) {
	rate := u(tenPercentRay)
	for _, mode := range []fpmath.AccrualMode{fpmath.AccrualLinear, fpmath.AccrualCompounded} {
		got, err := mode.Interest(rate, 100, 100)
		require.NoError(t, err)
		require.True(t, got.Eq(fpmath.RAY), mode.String())

		got, err = mode.Interest(rate, 100, 50)
		require.NoError(t, err)
		require.True(t, got.Eq(fpmath.RAY), "backwards interval for %s", mode)
	}
}

func TestCompoundedExceedsLinear(t *testing.T) {
	rate := u(tenPercentRay)
	linear, err := fpmath.AccrualLinear.Accrue(fpmath.RAY, rate, 0, fpmath.SecondsPerYear)
	require.NoError(t, err)
	compounded, err := fpmath.AccrualCompounded.Accrue(fpmath.RAY, rate, 0, fpmath.SecondsPerYear)
	require.NoError(t, err)
	require.True(t, compounded.Gt(linear))
}

func TestParseAccrualMode(t *testing.T) {
	m, err := fpmath.ParseAccrualMode("Linear")
	require.NoError(t, err)
	require.Equal(t, fpmath.AccrualLinear, m)

	m, err = fpmath.ParseAccrualMode("compounded")
	require.NoError(t, err)
	require.Equal(t, fpmath.AccrualCompounded, m)

	_, err = fpmath.ParseAccrualMode("daily")
	require.Error(t, err)
}
