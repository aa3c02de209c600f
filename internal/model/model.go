// Package model scores feature vectors for phishing probability.
package model

import (
	"fmt"
	"math"

	"github.com/phishguard/phishguard/internal/feature"
)

// Model maps a feature vector to a calibrated phishing probability in [0, 1],
// where 1.0 means certainly phishing.
type Model interface {
	PhishingProbability(v *feature.Vector) (float64, error)
}

// Calibrated is a logistic scorer over the 33-element model input with fixed
// per-feature weights. Safe evidence (+1) pushes the probability down, risk
// evidence (-1) pushes it up, neutral values (0) contribute nothing. The
// drift indicators carry zero weight: network failures must not read as
// phishing evidence; the pipeline accounts for them separately.
type Calibrated struct {
	weights [feature.ModelInputSize]float64
	bias    float64
}

// defaultWeights assigns high weight to the signals with the strongest
// separation, matching the feature set's high-signal annotations.
var defaultWeights = map[int]float64{
	feature.IdxUsingIPAddress:           0.90,
	feature.IdxURLLength:                0.25,
	feature.IdxIsShortener:              0.80,
	feature.IdxHasAtSymbol:              0.60,
	feature.IdxDoubleSlashRedirect:      0.50,
	feature.IdxDashInDomain:             0.35,
	feature.IdxSubdomainCount:           0.35,
	feature.IdxHasHTTPS:                 0.55,
	feature.IdxDomainRegistrationLength: 0.30,
	feature.IdxExternalFavicon:          0.25,
	feature.IdxNonStandardPort:          0.55,
	feature.IdxHTTPSInDomainName:        0.70,
	feature.IdxExternalResourcesRatio:   0.30,
	feature.IdxUnsafeAnchorsRatio:       0.40,
	feature.IdxExternalScriptsRatio:     0.30,
	feature.IdxSuspiciousFormHandler:    0.65,
	feature.IdxHasMailtoLinks:           0.20,
	feature.IdxAbnormalURLWhois:         0.30,
	feature.IdxRedirectCount:            0.35,
	feature.IdxStatusBarManipulation:    0.30,
	feature.IdxRightClickDisabled:       0.30,
	feature.IdxPopupWindows:             0.25,
	feature.IdxIframePresent:            0.30,
	feature.IdxDomainAge:                0.45,
	feature.IdxHasDNSRecord:             0.25,
	feature.IdxURLEntropy:               0.50,
	feature.IdxHomoglyphDetected:        0.90,
	feature.IdxCertificateAge:           0.40,
	feature.IdxExternalLinksCount:       0.20,
	feature.IdxStatisticalReportMatch:   0.85,
}

// NewCalibrated returns the scorer with the shipped weights.
func NewCalibrated() *Calibrated {
	c := &Calibrated{bias: -0.5}
	for idx, w := range defaultWeights {
		c.weights[idx] = w
	}
	return c
}

// PhishingProbability implements Model.
func (c *Calibrated) PhishingProbability(v *feature.Vector) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("model: nil feature vector")
	}
	for i, val := range v.Values {
		if val < -1 || val > 1 {
			return 0, fmt.Errorf("model: feature %s out of range: %d", feature.Names[i], val)
		}
	}

	in := v.ModelInput()
	z := c.bias
	for i, x := range in {
		// Safe evidence is +1, so it subtracts from the logit.
		z -= c.weights[i] * x
	}

	p := sigmoid(z)
	return clamp(p, 0, 1), nil
}

// Weight returns the shipped weight for feature index i. Explanation
// builders use it to rank signals by their contribution.
func Weight(i int) float64 {
	return defaultWeights[i]
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func clamp(x, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, x))
}
