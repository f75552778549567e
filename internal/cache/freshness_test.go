package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	th := DefaultThresholds()

	cases := []struct {
		age  time.Duration
		want FreshnessLevel
	}{
		{0, Fresh},
		{29 * time.Second, Fresh},
		{30 * time.Second, Warm}, // boundary belongs to the higher bucket
		{40 * time.Second, Warm},
		{5*time.Minute - time.Millisecond, Warm},
		{5 * time.Minute, Stale},
		{310 * time.Second, Stale},
		{time.Hour - time.Millisecond, Stale},
		{time.Hour, Expired},
		{24 * time.Hour, Expired},
	}

	for _, c := range cases {
		require.Equal(t, c.want, th.Classify(c.age), "age %s", c.age)
	}
}
