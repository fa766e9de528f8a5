package tontine

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSplitFee_DefaultSchedule(t *testing.T) {
	// GIVEN: three members paid 50,000 sats each
	s := DefaultFeeSchedule()

	// WHEN: the fee on the 150,000 pot is split
	split, err := s.Split(150000, s.PlatformRate)
	require.NoError(t, err)

	// THEN: 1% platform, 30/20/50 split
	assert.Equal(t, int64(150000), split.Total)
	assert.Equal(t, int64(1500), split.Platform)
	assert.Equal(t, int64(450), split.Partner)
	assert.Equal(t, int64(300), split.Community)
	assert.Equal(t, int64(750), split.Net)
}

func TestSplitFee_Rounding(t *testing.T) {
	tests := []struct {
		name      string
		total     int64
		rate      string
		partner   string
		community string
		want      FeeSplit
	}{
		{
			name: "zero total", total: 0, rate: "0.01", partner: "0.3", community: "0.2",
			want: FeeSplit{Platform: 0, Partner: 0, Community: 0, Net: 0},
		},
		{
			name: "half sat rounds up", total: 50, rate: "0.01", partner: "0.3", community: "0.2",
			want: FeeSplit{Platform: 1, Partner: 0, Community: 0, Net: 1},
		},
		{
			name: "below half rounds down", total: 49, rate: "0.01", partner: "0.3", community: "0.2",
			want: FeeSplit{Platform: 0, Partner: 0, Community: 0, Net: 0},
		},
		{
			name: "shares round independently", total: 1050, rate: "0.01", partner: "0.3", community: "0.2",
			// platform round(10.5)=11, partner round(3.3)=3, community round(2.2)=2
			want: FeeSplit{Platform: 11, Partner: 3, Community: 2, Net: 6},
		},
		{
			name: "overshoot clamps community", total: 100, rate: "0.01", partner: "0.5", community: "0.5",
			// platform 1, partner round(0.5)=1, community round(0.5)=1 -> community reduced to 0
			want: FeeSplit{Platform: 1, Partner: 1, Community: 0, Net: 0},
		},
		{
			name: "zero rate", total: 1000000, rate: "0", partner: "0.3", community: "0.2",
			want: FeeSplit{Platform: 0, Partner: 0, Community: 0, Net: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitFee(tt.total, dec(tt.rate), dec(tt.partner), dec(tt.community))
			require.NoError(t, err)
			assert.Equal(t, tt.want.Platform, got.Platform, "platform")
			assert.Equal(t, tt.want.Partner, got.Partner, "partner")
			assert.Equal(t, tt.want.Community, got.Community, "community")
			assert.Equal(t, tt.want.Net, got.Net, "net")
		})
	}
}

func TestSplitFee_SumsToPlatformFee(t *testing.T) {
	schedules := []FeeSchedule{
		DefaultFeeSchedule(),
		{PlatformRate: dec("0.025"), PartnerShare: dec("0.333"), CommunityShare: dec("0.333")},
		{PlatformRate: dec("0.01"), PartnerShare: dec("0.5"), CommunityShare: dec("0.5")},
		{PlatformRate: dec("0.015"), PartnerShare: dec("0"), CommunityShare: dec("1")},
	}

	for _, s := range schedules {
		for total := int64(0); total <= 20000; total += 7 {
			split, err := s.Split(total, s.PlatformRate)
			require.NoError(t, err)

			expectedPlatform := decimal.NewFromInt(total).Mul(s.PlatformRate).Round(0).IntPart()
			assert.Equal(t, expectedPlatform, split.Platform, "total=%d", total)
			assert.Equal(t, split.Platform, split.Partner+split.Community+split.Net, "total=%d", total)
			assert.GreaterOrEqual(t, split.Net, int64(0), "total=%d", total)
			assert.GreaterOrEqual(t, split.Community, int64(0), "total=%d", total)
		}
	}
}

func TestSplitFee_RejectsNegative(t *testing.T) {
	_, err := SplitFee(-1, dec("0.01"), dec("0.3"), dec("0.2"))
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = SplitFee(100, dec("-0.01"), dec("0.3"), dec("0.2"))
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestFeeSchedule_RateFor(t *testing.T) {
	s := DefaultFeeSchedule()

	assert.True(t, s.RateFor(Group{}).Equal(dec("0.01")))
	assert.True(t, s.RateFor(Group{Verified: true}).Equal(dec("0.005")))

	split, err := s.Split(150000, s.RateFor(Group{Verified: true}))
	require.NoError(t, err)
	assert.Equal(t, int64(750), split.Platform)
	assert.Equal(t, int64(225), split.Partner)
	assert.Equal(t, int64(150), split.Community)
	assert.Equal(t, int64(375), split.Net)
}

func TestFeeSchedule_Validate(t *testing.T) {
	assert.NoError(t, DefaultFeeSchedule().Validate())

	bad := DefaultFeeSchedule()
	bad.PlatformRate = dec("1.5")
	assert.True(t, errors.Is(bad.Validate(), ErrValidation))

	bad = DefaultFeeSchedule()
	bad.PartnerShare = dec("0.6")
	bad.CommunityShare = dec("0.5")
	assert.True(t, errors.Is(bad.Validate(), ErrValidation))

	bad = DefaultFeeSchedule()
	bad.CommunityShare = dec("-0.1")
	assert.True(t, errors.Is(bad.Validate(), ErrValidation))

	// shares summing to exactly 1 can round past the platform fee
	bad = DefaultFeeSchedule()
	bad.PartnerShare = dec("0.5")
	bad.CommunityShare = dec("0.5")
	assert.True(t, errors.Is(bad.Validate(), ErrValidation))

	ok := DefaultFeeSchedule()
	ok.PartnerShare = dec("0.5")
	ok.CommunityShare = dec("0.49")
	assert.NoError(t, ok.Validate())
}

func TestSplitFee_ValidScheduleFollowsFormulaExactly(t *testing.T) {
	schedules := []FeeSchedule{
		DefaultFeeSchedule(),
		{PlatformRate: dec("0.01"), PartnerShare: dec("0.5"), CommunityShare: dec("0.49")},
		{PlatformRate: dec("0.03"), PartnerShare: dec("0.45"), CommunityShare: dec("0.45")},
		{PlatformRate: dec("0.02"), PartnerShare: dec("0"), CommunityShare: dec("0.999")},
	}

	for _, s := range schedules {
		require.NoError(t, s.Validate())
		for total := int64(0); total <= 20000; total += 3 {
			split, err := s.Split(total, s.PlatformRate)
			require.NoError(t, err)

			platform := decimal.NewFromInt(split.Platform)
			assert.Equal(t, platform.Mul(s.PartnerShare).Round(0).IntPart(), split.Partner, "total=%d", total)
			assert.Equal(t, platform.Mul(s.CommunityShare).Round(0).IntPart(), split.Community, "total=%d", total)
			assert.Equal(t, split.Platform-split.Partner-split.Community, split.Net, "total=%d", total)
		}
	}
}

func TestFeeSplit_Record(t *testing.T) {
	split, err := DefaultFeeSchedule().Split(150000, dec("0.01"))
	require.NoError(t, err)

	rec := split.Record("p-1")
	assert.Equal(t, "p-1", rec.PayoutID)
	assert.Equal(t, int64(150000), rec.TotalAmount)
	assert.Equal(t, rec.PlatformFee, rec.PartnerFee+rec.CommunityFee+rec.NetPlatformFee)
	assert.Equal(t, "0.01", rec.PlatformRate)
}
