// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package fugacity

import (
	"fmt"
	"math"
	"strings"
)

// Gas names the reducing gas used against CO2.
type Gas string

const (
	GasCO Gas = "co"
	GasH2 Gas = "h2"
)

// ParseGas accepts "co" or "h2" in any case.
func ParseGas(s string) (Gas, error) {
	switch g := Gas(strings.ToLower(strings.TrimSpace(s))); g {
	case GasCO, GasH2:
		return g, nil
	}
	return "", fmt.Errorf("fugacity: unknown gas %q, want co or h2", s)
}

// Flow controller names in the gas bank.
const (
	FlowCO2 = "co2"
	FlowCOA = "co_a" // coarse CO
	FlowCOB = "co_b" // fine CO
	FlowH2  = "h2"
)

// MaxCO2 is the CO2 controller's full scale in sccm.
const MaxCO2 = 200.0

// GasMix is a set of controller setpoints that realises a target fugacity.
type GasMix struct {
	LogFugacity float64            `json:"log_fugacity"`
	Ratio       float64            `json:"ratio"`
	Offset      float64            `json:"offset"`
	Flows       map[string]float64 `json:"flows"`
}

func round(v float64, digits int) float64 {
	p := math.Pow10(digits)
	return math.Round(v*p) / p
}

// Mix computes the flows holding the sample offset log units from the
// buffer at tempC. limits, when non-nil, caps each controller; a flow
// above its limit is an error.
func Mix(bufferName string, offset, tempC float64, gas Gas, limits map[string]float64) (GasMix, error) {
	logf, err := Buffer(bufferName, tempC, 0)
	if err != nil {
		return GasMix{}, err
	}
	logf += offset
	mix := GasMix{LogFugacity: logf, Offset: offset}

	switch gas {
	case GasCO:
		ratio, err := RatioCO(logf, tempC)
		if err != nil {
			return GasMix{}, err
		}
		mix.Ratio = ratio
		mix.Flows = coFlows(ratio)
	case GasH2:
		ratio, err := RatioH2(logf, tempC)
		if err != nil {
			return GasMix{}, err
		}
		mix.Ratio = ratio
		mix.Flows = map[string]float64{
			FlowCO2: MaxCO2,
			FlowCOA: 0,
			FlowCOB: 0,
			FlowH2:  MaxCO2 / ratio,
		}
	default:
		return GasMix{}, fmt.Errorf("fugacity: unknown gas %q, want co or h2", gas)
	}

	if mix.Ratio <= 0 || math.IsInf(mix.Ratio, 0) || math.IsNaN(mix.Ratio) {
		return GasMix{}, fmt.Errorf("fugacity: unusable mixing ratio %v", mix.Ratio)
	}
	for name, flow := range mix.Flows {
		if limit, ok := limits[name]; ok && flow > limit {
			return mix, fmt.Errorf("fugacity: %s flow %.3f exceeds controller limit %v", name, flow, limit)
		}
	}
	return mix, nil
}

// coFlows splits the CO between the coarse and fine controllers. Higher
// ratios get more CO2 for resolution.
func coFlows(ratio float64) map[string]float64 {
	var co2 float64
	switch {
	case ratio > 1000:
		co2 = 200
	case ratio > 100:
		co2 = 100
	default:
		co2 = 50
	}
	if co2/ratio >= 20 {
		co2 = 20 * ratio
	}
	co := round(co2/ratio, 3)
	if co*ratio > MaxCO2 {
		co -= 0.001
	}
	co2 = round(co*ratio, 1)
	coarse := math.Trunc(co)
	return map[string]float64{
		FlowCO2: co2,
		FlowCOA: coarse,
		FlowCOB: round(co-coarse, 3),
		FlowH2:  0,
	}
}
