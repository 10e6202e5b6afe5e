package mpt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		flag1, flag2 byte
		want         LeafEncoding
	}{
		{1, 0, EncodingLong},
		{0, 1, EncodingShort},
		{1, 1, EncodingLastLevel},
		{0, 0, EncodingOneNibble},
	}
	for _, tc := range cases {
		got, err := Classify(tc.flag1, tc.flag2)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)

		// Flags must invert Classify.
		f1, f2 := got.Flags()
		require.Equal(t, tc.flag1, f1)
		require.Equal(t, tc.flag2, f2)
	}
}

func TestClassifyNonBoolean(t *testing.T) {
	for _, pair := range [][2]byte{{2, 0}, {0, 2}, {17, 1}, {255, 255}} {
		_, err := Classify(pair[0], pair[1])
		require.True(t, errors.Is(err, ErrMalformedFlags), "flags (%d,%d)", pair[0], pair[1])
	}
}
