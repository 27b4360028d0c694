package fugacity

import (
	"fmt"
	"math"
)

const (
	t0  = 273.18    // C to K
	rgc = .00198726 // gas constant, kcal/(mol K)
)

// Gibbs free energy polynomials in C.
var (
	gibbsCO = [5]float64{62.110326, -2.144446e-2, 4.720325e-7, -4.5574288e-12, -7.3430182e-15}
	gibbsH2 = [5]float64{55.025254, -1.1212207e-2, -2.0800406e-6, 7.6484887e-10, -1.1232833e-13}
)

func gibbs(a [5]float64, tempC float64) float64 {
	return (((a[4]*tempC+a[3])*tempC+a[2])*tempC+a[1])*tempC + a[0]
}

// atm converts log10 fO2 in Pa to fO2 in atm.
func atm(logfO2 float64) float64 {
	return 1.01325 * math.Pow(10, logfO2-5)
}

// RatioCO returns the CO2/CO mixing ratio that sets log10 fO2 (Pa) at tempC.
func RatioCO(logfO2, tempC float64) (float64, error) {
	tk := tempC + t0
	fo2 := atm(logfO2)
	k1 := math.Exp(-gibbs(gibbsCO, tempC) / rgc / tk)

	co := k1 - 3*k1*fo2 - 2*math.Pow(fo2, 1.5)
	co2 := 2*k1*fo2 + fo2 + math.Pow(fo2, 1.5) + math.Sqrt(fo2)
	if co <= 0 {
		return 0, fmt.Errorf("fugacity: no CO2/CO mixture reaches log fO2 %.3f at %.0f C", logfO2, tempC)
	}
	return co2 / co, nil
}

// RatioH2 returns the CO2/H2 mixing ratio that sets log10 fO2 (Pa) at tempC.
func RatioH2(logfO2, tempC float64) (float64, error) {
	tk := tempC + t0
	fo2 := atm(logfO2)
	k1 := math.Exp(-gibbs(gibbsCO, tempC) / rgc / tk)
	k3 := math.Exp(-gibbs(gibbsH2, tempC) / rgc / tk)

	root := math.Sqrt(fo2)
	a := k1 / (k1 + root)
	b := root / (k3 + root)
	h2 := a*(1-fo2) - 2*fo2
	co2 := b*(1-fo2) + 2*fo2
	if h2 <= 0 {
		return 0, fmt.Errorf("fugacity: no CO2/H2 mixture reaches log fO2 %.3f at %.0f C", logfO2, tempC)
	}
	return co2 / h2, nil
}
