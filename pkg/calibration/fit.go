package calibration

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	laberrors "furnace-lab/pkg/errors"
)

// Polynomial is y = sum(Coeffs[i] * x^(n-1-i)), highest power first.
type Polynomial struct {
	Coeffs []float64
}

// Lookup evaluates the polynomial.
func (p Polynomial) Lookup(x float64) float64 {
	var y float64
	for _, c := range p.Coeffs {
		y = y*x + c
	}
	return y
}

func (p Polynomial) String() string {
	if len(p.Coeffs) == 3 {
		return fmt.Sprintf("%.6gx^2 %+.6gx %+.6g", p.Coeffs[0], p.Coeffs[1], p.Coeffs[2])
	}
	return fmt.Sprintf("%v", p.Coeffs)
}

// FitQuadratic fits y = a*x^2 + b*x + c by least squares.
func FitQuadratic(xs, ys []float64) (Polynomial, error) {
	if len(xs) != len(ys) {
		return Polynomial{}, laberrors.Calibration(fmt.Sprintf("%d x values but %d y values", len(xs), len(ys)))
	}
	if len(xs) < 3 {
		return Polynomial{}, laberrors.Calibration(fmt.Sprintf("quadratic fit needs 3 points, got %d", len(xs)))
	}
	a := mat.NewDense(len(xs), 3, nil)
	for i, x := range xs {
		a.Set(i, 0, x*x)
		a.Set(i, 1, x)
		a.Set(i, 2, 1)
	}
	b := mat.NewVecDense(len(ys), append([]float64(nil), ys...))

	var coef mat.VecDense
	if err := coef.SolveVec(a, b); err != nil {
		return Polynomial{}, laberrors.Wrap(err, laberrors.ErrCalibration, "quadratic fit failed")
	}
	return Polynomial{Coeffs: []float64{coef.AtVec(0), coef.AtVec(1), coef.AtVec(2)}}, nil
}
