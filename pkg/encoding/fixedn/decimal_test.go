package fixedn

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromString(t *testing.T) {
	testCases := []struct {
		s         string
		precision int
		expected  int64
	}{
		{"0", 6, 0},
		{"1", 6, 1_000_000},
		{"0.05", 6, 50_000},
		{"0.000001", 6, 1},
		{"123.456", 6, 123_456_000},
		{"1", 0, 1},
		{"7", 2, 700},
		{"0.50", 6, 500_000},
	}
	for _, tc := range testCases {
		t.Run(tc.s, func(t *testing.T) {
			actual, err := FromString(tc.s, tc.precision)
			require.NoError(t, err)
			require.Equal(t, tc.expected, actual.Int64())
		})
	}
}

func TestFromStringBigValue(t *testing.T) {
	// A value beyond int64 must round-trip through big.Int untouched.
	actual, err := FromString("184467440737095516.16", 6)
	require.NoError(t, err)
	expected, ok := new(big.Int).SetString("184467440737095516160000", 10)
	require.True(t, ok)
	require.Zero(t, expected.Cmp(actual))
}

func TestFromStringErrors(t *testing.T) {
	for _, s := range []string{
		"",
		".",
		"1.",
		".5",
		"-1",
		"-0.5",
		"+1",
		"1.2345678", // more digits than precision 6
		"one",
		"1.2.3",
		"0x10",
		"1_0",
		"1.+5",
	} {
		t.Run(s, func(t *testing.T) {
			_, err := FromString(s, 6)
			require.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
	_, err := FromString("1", -1)
	require.ErrorIs(t, err, ErrInvalidFormat)
	_, err = FromString("1", MaxPrecision+1)
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestToString(t *testing.T) {
	testCases := []struct {
		value     int64
		precision int
		expected  string
	}{
		{0, 6, "0"},
		{1_000_000, 6, "1"},
		{50_000, 6, "0.05"},
		{1, 6, "0.000001"},
		{123_456_000, 6, "123.456"},
		{42, 0, "42"},
		{-50_000, 6, "-0.05"},
		{-5, 1, "-0.5"},
	}
	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, ToString(big.NewInt(tc.value), tc.precision))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1", "0.05", "123.456", "0.000001"} {
		v, err := FromString(s, 6)
		require.NoError(t, err)
		require.Equal(t, s, ToString(v, 6))
	}
}
