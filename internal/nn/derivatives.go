package nn

import "math"

// ELU is x for x >= 0 and alpha·(e^x − 1) below zero.
func ELU(x, alpha float64) float64 {
	if x >= 0 {
		return x
	}
	return alpha * (math.Exp(x) - 1)
}

func ELUDerivative(x, alpha float64) float64 {
	if x >= 0 {
		return 1
	}
	return alpha * math.Exp(x)
}

// LeakyReLU is x for x > 0 and alpha·x otherwise.
func LeakyReLU(x, alpha float64) float64 {
	if x > 0 {
		return x
	}
	return alpha * x
}

func LeakyReLUDerivative(x, alpha float64) float64 {
	if x > 0 {
		return 1
	}
	return alpha
}

// Derivative evaluates a registered activation's derivative at x.
func Derivative(name string, x, alpha float64) (float64, error) {
	act, err := GetActivation(name)
	if err != nil {
		return 0, err
	}
	return act.Derivative(x, alpha), nil
}
