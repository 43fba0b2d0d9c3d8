// Package payload implements the near-radius heuristic FRET uses to
// decide whether a routed message should carry its full payload inline
// or leave it out (§4.7).
package payload

import (
	"math"
	"math/big"

	"github.com/gotchoices/fret/internal/ringspace"
)

// ringSpan is 2^256, the size of the full coordinate space.
var ringSpan = new(big.Int).Lsh(big.NewInt(1), 256)
var ringMax = new(big.Int).Sub(ringSpan, big.NewInt(1))

// DefaultBeta and DefaultThreshold match the spec's default parameters.
const (
	DefaultBeta      = 2.0
	DefaultThreshold = 0.5
)

// ComputeNearRadius returns beta·k·(ringSpan/max(1,round(n))), capped at
// ringSpan-1, using the default beta. It is zero when sizeEstimate < 1.
func ComputeNearRadius(sizeEstimate float64, k int) ringspace.Coord {
	return ComputeNearRadiusBeta(sizeEstimate, k, DefaultBeta)
}

// ComputeNearRadiusBeta is ComputeNearRadius with an explicit beta.
func ComputeNearRadiusBeta(sizeEstimate float64, k int, beta float64) ringspace.Coord {
	if sizeEstimate < 1 {
		return ringspace.Zero()
	}
	radius := scaledRingFraction(sizeEstimate, k, beta)
	if radius.Cmp(ringMax) > 0 {
		radius = new(big.Int).Set(ringMax)
	}
	return coordFromBigInt(radius)
}

// scaledRingFraction computes beta·k·(ringSpan/max(1,round(n))) as an
// exact big.Int, via big.Float intermediate arithmetic.
func scaledRingFraction(sizeEstimate float64, k int, beta float64) *big.Int {
	divisor := math.Round(sizeEstimate)
	if divisor < 1 {
		divisor = 1
	}
	scalar := beta * float64(k)
	if scalar < 0 {
		scalar = 0
	}

	ringSpanF := new(big.Float).SetInt(ringSpan)
	perPeer := new(big.Float).Quo(ringSpanF, big.NewFloat(divisor))
	scaled := new(big.Float).Mul(perPeer, big.NewFloat(scalar))

	out, _ := scaled.Int(nil)
	if out == nil {
		out = big.NewInt(0)
	}
	if out.Sign() < 0 {
		out = big.NewInt(0)
	}
	return out
}

// ShouldIncludePayload reports whether a message this close to its
// target (distToKey) should carry its payload inline now, using the
// default beta/threshold.
func ShouldIncludePayload(distToKey ringspace.Coord, sizeEstimate, confidence float64, k int) bool {
	return ShouldIncludePayloadParams(distToKey, sizeEstimate, confidence, k, DefaultBeta, DefaultThreshold)
}

// ShouldIncludePayloadParams is ShouldIncludePayload with explicit
// beta/threshold (§4.7).
func ShouldIncludePayloadParams(distToKey ringspace.Coord, sizeEstimate, confidence float64, k int, beta, threshold float64) bool {
	if sizeEstimate < 1 || confidence <= 0 {
		return false
	}

	nearZone := scaledRingFraction(sizeEstimate, k, beta)
	if nearZone.Sign() <= 0 {
		return false
	}

	dist := new(big.Int).SetBytes(distToKey.Bytes())
	diff := new(big.Int).Sub(nearZone, dist)

	nearZoneF := new(big.Float).SetInt(nearZone)
	diffF := new(big.Float).SetInt(diff)
	p, _ := new(big.Float).Quo(diffF, nearZoneF).Float64()
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	return p*confidence >= threshold
}

func coordFromBigInt(v *big.Int) ringspace.Coord {
	var c ringspace.Coord
	b := v.Bytes() // big-endian, no leading zeros, len <= ringspace.Size
	copy(c[ringspace.Size-len(b):], b)
	return c
}
