package privacy

import "math"

// rdpOrders are the integer Rényi orders α the accountant optimizes over.
// The largest order bounds the smallest ε the conversion can report, so the
// list runs to 4096 for budgets well below 0.1.
var rdpOrders = buildRDPOrders()

func buildRDPOrders() []int {
	orders := make([]int, 0, 96)
	for a := 2; a <= 64; a++ {
		orders = append(orders, a)
	}
	orders = append(orders, 72, 80, 96, 112, 128, 160, 192, 224, 256)
	for a := 320; a <= 4096; a += a / 4 {
		orders = append(orders, a)
	}
	return append(orders, 4096)
}

// RDPOrders returns a copy of the Rényi orders used for accounting
func RDPOrders() []int {
	out := make([]int, len(rdpOrders))
	copy(out, rdpOrders)
	return out
}

// ComputeRDP returns the per-step Rényi DP of the Poisson-subsampled Gaussian
// mechanism with sampling rate q and noise multiplier sigma, one value per order.
func ComputeRDP(q, sigma float64) []float64 {
	rdp := make([]float64, len(rdpOrders))
	for i, alpha := range rdpOrders {
		rdp[i] = rdpSubsampledGaussian(q, sigma, alpha)
	}
	return rdp
}

// rdpSubsampledGaussian computes, for integer α,
//
//	RDP(α) = log( Σ_{i=0}^{α} C(α,i) q^i (1-q)^{α-i} exp((i²-i)/(2σ²)) ) / (α-1)
//
// in log space.
func rdpSubsampledGaussian(q, sigma float64, alpha int) float64 {
	if !(sigma > 0) {
		return math.Inf(1)
	}
	if q == 0 {
		return 0
	}
	twoSigmaSq := 2 * sigma * sigma
	if q == 1 {
		return float64(alpha) / twoSigmaSq
	}

	logQ := math.Log(q)
	log1mQ := math.Log1p(-q)
	logA := math.Inf(-1)
	logBinom := 0.0
	for i := 0; i <= alpha; i++ {
		fi := float64(i)
		if i > 0 {
			logBinom += math.Log(float64(alpha-i+1)) - math.Log(fi)
		}
		term := logBinom +
			fi*logQ +
			float64(alpha-i)*log1mQ +
			(fi*fi-fi)/twoSigmaSq
		logA = logAddExp(logA, term)
	}
	return logA / float64(alpha-1)
}

// EpsilonFromRDP converts per-step RDP composed over steps into ε at the given δ
// with the conversion of Balle et al. (2020):
//
//	ε = min_α steps·RDP(α) + log1p(-1/α) - (log δ + log α)/(α-1)
//
// which is never looser than steps·RDP(α) + log(1/δ)/(α-1).
func EpsilonFromRDP(perStep []float64, steps int, delta float64) float64 {
	if steps <= 0 {
		return 0
	}
	logDelta := math.Log(delta)
	best := math.Inf(1)
	for i, alpha := range rdpOrders {
		a := float64(alpha)
		eps := float64(steps)*perStep[i] + math.Log1p(-1/a) - (logDelta+math.Log(a))/(a-1)
		if eps < best {
			best = eps
		}
	}
	return math.Max(best, 0)
}

// RDPEpsilon is the ε spent after steps of the subsampled Gaussian mechanism
func RDPEpsilon(q, sigma float64, steps int, delta float64) float64 {
	return EpsilonFromRDP(ComputeRDP(q, sigma), steps, delta)
}

// logAddExp returns log(exp(a) + exp(b)) without overflow
func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	hi, lo := math.Max(a, b), math.Min(a, b)
	return hi + math.Log1p(math.Exp(lo-hi))
}
