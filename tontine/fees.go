/*
fees.go - Platform fee computation and split

PURPOSE:
  Pure functions: no I/O, no clock. Given a payout total and a schedule,
  compute the platform fee and how it divides between partner, community
  fund and the platform itself.

FORMULA:
  platform  = round(total x rate)
  partner   = round(platform x partner_share)
  community = round(platform x community_share)
  net       = platform - partner - community

  Rounding is half away from zero on whole satoshis. The split always sums
  back to the platform fee. Validate requires partner + community < 1, and
  under that bound independent rounding cannot overshoot, so every part
  follows the formula exactly. SplitFee called directly with shares summing
  to 1 may overshoot by a sat; community is then reduced so net is zero.

VERIFIED GROUPS:
  Verified groups pay rate x VerifiedDiscount.

EXAMPLE (defaults 1% / 30% / 20%):
  total 150,000 -> platform 1,500, partner 450, community 300, net 750
*/
package tontine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FeeSchedule is the single source of fee percentages. It is loaded from
// config and passed to the engine; nothing else hardcodes rates.
type FeeSchedule struct {
	PlatformRate     decimal.Decimal
	PartnerShare     decimal.Decimal
	CommunityShare   decimal.Decimal
	VerifiedDiscount decimal.Decimal // multiplier on PlatformRate for verified groups
}

// DefaultFeeSchedule returns 1% platform fee, split 30% partner / 20% community.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		PlatformRate:     decimal.RequireFromString("0.01"),
		PartnerShare:     decimal.RequireFromString("0.30"),
		CommunityShare:   decimal.RequireFromString("0.20"),
		VerifiedDiscount: decimal.RequireFromString("0.5"),
	}
}

// Validate checks every value is in [0, 1] and the shares sum to less than 1.
func (s FeeSchedule) Validate() error {
	one := decimal.NewFromInt(1)
	for _, f := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"platform_rate", s.PlatformRate},
		{"partner_share", s.PartnerShare},
		{"community_share", s.CommunityShare},
		{"verified_discount", s.VerifiedDiscount},
	} {
		if f.v.IsNegative() || f.v.GreaterThan(one) {
			return invalid(f.name, fmt.Sprintf("must be between 0 and 1, got %s", f.v))
		}
	}
	if s.PartnerShare.Add(s.CommunityShare).GreaterThanOrEqual(one) {
		return invalid("partner_share", "partner and community shares must sum to less than 1")
	}
	return nil
}

// RateFor returns the platform rate that applies to g.
func (s FeeSchedule) RateFor(g Group) decimal.Decimal {
	if g.Verified {
		return s.PlatformRate.Mul(s.VerifiedDiscount)
	}
	return s.PlatformRate
}

// FeeSplit is the outcome of a fee computation.
type FeeSplit struct {
	Total     int64
	Rate      decimal.Decimal
	Platform  int64
	Partner   int64
	Community int64
	Net       int64
}

// Split computes the fee split on total at the given platform rate.
func (s FeeSchedule) Split(total int64, rate decimal.Decimal) (FeeSplit, error) {
	return SplitFee(total, rate, s.PartnerShare, s.CommunityShare)
}

// SplitFee is the pure fee formula.
func SplitFee(total int64, rate, partnerShare, communityShare decimal.Decimal) (FeeSplit, error) {
	if total < 0 {
		return FeeSplit{}, invalid("total", "must not be negative")
	}
	if rate.IsNegative() || partnerShare.IsNegative() || communityShare.IsNegative() {
		return FeeSplit{}, invalid("rate", "must not be negative")
	}

	platform := roundSats(decimal.NewFromInt(total).Mul(rate))
	partner := roundSats(decimal.NewFromInt(platform).Mul(partnerShare))
	community := roundSats(decimal.NewFromInt(platform).Mul(communityShare))

	if partner > platform {
		partner = platform
	}
	net := platform - partner - community
	if net < 0 {
		community += net
		net = 0
	}

	return FeeSplit{
		Total:     total,
		Rate:      rate,
		Platform:  platform,
		Partner:   partner,
		Community: community,
		Net:       net,
	}, nil
}

// Record converts the split into the persisted form.
func (f FeeSplit) Record(payoutID string) FeeRecord {
	return FeeRecord{
		PayoutID:       payoutID,
		TotalAmount:    f.Total,
		PlatformFee:    f.Platform,
		PartnerFee:     f.Partner,
		CommunityFee:   f.Community,
		NetPlatformFee: f.Net,
		PlatformRate:   f.Rate.String(),
	}
}

func roundSats(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}
