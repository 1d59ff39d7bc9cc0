// Package snapshot translates a funding event into the set of candle fetch
// windows that make up its price snapshot.
package snapshot

import (
	"time"

	"fundingflow/config"
	"fundingflow/internal/models"
)

// Window is one candle fetch request: which granularity, which side of the
// funding event, and the inclusive time range to ask the venue for.
type Window struct {
	Granularity models.Granularity
	Position    models.Position
	Start       time.Time
	End         time.Time
}

// Plan computes the ordered fetch windows for one funding event. Coarse
// granularities come first so an interrupted fetch still captures the wide
// context. The candle at the funding time itself may legally land in both the
// 1m/before and 1m/after sets; that overlap is part of the snapshot contract,
// not a bug to deduplicate.
//
// Windows are emitted even when they reach before the symbol's listing date
// or beyond now; the exchange client returns a short or empty result for
// those rather than failing the plan.
func Plan(fundingTime time.Time, windows config.TimeWindowsConfig) []Window {
	return []Window{
		{
			Granularity: models.Granularity1d,
			Position:    models.PositionBefore,
			Start:       fundingTime.Add(-time.Duration(windows.DailyDaysBack) * 24 * time.Hour),
			End:         fundingTime,
		},
		{
			Granularity: models.Granularity1h,
			Position:    models.PositionBefore,
			Start:       fundingTime.Add(-time.Duration(windows.HourlyHoursBack) * time.Hour),
			End:         fundingTime,
		},
		{
			Granularity: models.Granularity10m,
			Position:    models.PositionBefore,
			Start:       fundingTime.Add(-time.Duration(windows.TenMinHoursBefore) * time.Hour),
			End:         fundingTime,
		},
		{
			Granularity: models.Granularity1m,
			Position:    models.PositionBefore,
			Start:       fundingTime.Add(-time.Duration(windows.OneMinMinutesBefore) * time.Minute),
			End:         fundingTime,
		},
		{
			Granularity: models.Granularity1m,
			Position:    models.PositionAfter,
			Start:       fundingTime,
			End:         fundingTime.Add(time.Duration(windows.OneMinMinutesAfter) * time.Minute),
		},
	}
}
