package fleet

// EstimateWaste converts idle runtime at a given power draw into
// kilowatt-hours. The divisor folds seconds-per-hour (3600) and
// watts-per-kilowatt (1000) together. Non-positive inputs contribute
// nothing.
func EstimateWaste(idleSeconds int64, watts float64) float64 {
	if idleSeconds <= 0 || watts <= 0 {
		return 0
	}
	return float64(idleSeconds) * watts / 3_600_000
}

// WasteCost prices wasted energy at the configured tariff.
func WasteCost(kwh, costPerKWH float64) float64 {
	if kwh <= 0 || costPerKWH <= 0 {
		return 0
	}
	return kwh * costPerKWH
}
