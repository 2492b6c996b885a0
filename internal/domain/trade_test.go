package domain

import (
	"math"
	"testing"
)

// 净利润采用带符号费用口径：net = profit + commission + swap
func TestComputeNetProfitSignedCharges(t *testing.T) {
	cases := []struct {
		profit, commission, swap, want float64
	}{
		{25.0, -7.0, -2.0, 16.0},
		{0, 0, 0, 0},
		{-10.0, -1.5, 0.5, -11.0},
		{100.0, 0, 0, 100.0},
		// 浮点上 0.1+0.2 不精确，decimal 路径必须给出准确和
		{0.1, 0.2, 0.3, 0.6},
	}
	for _, tc := range cases {
		got := ComputeNetProfit(tc.profit, tc.commission, tc.swap)
		if math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("ComputeNetProfit(%v,%v,%v) = %v, want %v", tc.profit, tc.commission, tc.swap, got, tc.want)
		}
	}
}

func TestMakeIdentityKey(t *testing.T) {
	if got := MakeIdentityKey(1001, ""); got != "1001" {
		t.Errorf("magic fallback: got %s", got)
	}
	if got := MakeIdentityKey(1001, "uid-x"); got != "uid-x" {
		t.Errorf("instance uid must win: got %s", got)
	}
}
