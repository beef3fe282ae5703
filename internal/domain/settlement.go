// SPDX-License-Identifier: MIT

package domain

import (
	"math"
	"time"
)

// Settlement splits the booked cost of a finished session into the platform
// fee, the host payout and an optional client credit. Amounts are rounded to
// 2 fractional units with banker's rounding; fee + payout + credit stays
// within a 0.02 tolerance of the proportional amount.
type Settlement struct {
	TotalPurchased float64 `json:"totalPurchased"`
	UsageRatio     float64 `json:"usageRatio"`
	Proportional   float64 `json:"proportional"`
	PlatformFee    float64 `json:"platformFee"`
	HostBase       float64 `json:"hostBase"`
	HostPayout     float64 `json:"hostPayout"`
	ClientCredit   float64 `json:"clientCredit"`
}

// Round2 rounds to 2 fractional units, ties to even.
func Round2(x float64) float64 {
	return math.RoundToEven(x*100) / 100
}

// Settle computes the monetary split for a terminal session.
// On a HOST fault the penalty share of the host base is credited back to the
// client; in every other case the host receives the full base.
func Settle(pricePerHour float64, minutesPurchased, minutesUsed int, feeRate, penaltyRate float64, reason FailureReason) Settlement {
	total := pricePerHour * float64(minutesPurchased) / 60

	ratio := 0.0
	if minutesPurchased > 0 {
		ratio = float64(minutesUsed) / float64(minutesPurchased)
	}
	ratio = clamp01(ratio)

	proportional := total * ratio
	fee := proportional * feeRate
	hostBase := proportional - fee

	payout := hostBase
	credit := 0.0
	if reason == FailureHost {
		payout = hostBase * (1 - penaltyRate)
		credit = hostBase - payout
	}

	return Settlement{
		TotalPurchased: Round2(total),
		UsageRatio:     ratio,
		Proportional:   Round2(proportional),
		PlatformFee:    Round2(fee),
		HostBase:       Round2(hostBase),
		HostPayout:     Round2(payout),
		ClientCredit:   Round2(credit),
	}
}

// SessionCost is the wallet hold taken when a session is created.
func SessionCost(pricePerHour float64, minutesPurchased int) float64 {
	return Round2(pricePerHour * float64(minutesPurchased) / 60)
}

// ComputeMinutesUsed derives the billed minutes for a session ending now.
// Partial minutes round up; a start in the future (clock skew or manual
// override) clamps to zero, and usage never exceeds the purchase.
func ComputeMinutesUsed(now time.Time, startAt *time.Time, minutesPurchased int) int {
	if startAt == nil || startAt.IsZero() || now.Before(*startAt) {
		return 0
	}
	mins := int(math.Ceil(now.Sub(*startAt).Seconds() / 60))
	if mins < 0 {
		return 0
	}
	if mins > minutesPurchased {
		return minutesPurchased
	}
	return mins
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
