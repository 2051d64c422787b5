package usecase

import (
	"math"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

// Confidence signal weights: OCR quality, structural validity, arithmetic
// consistency, field coverage.
const (
	weightOCR         = 0.4
	weightStructural  = 0.3
	weightConsistency = 0.2
	weightCoverage    = 0.1
)

// consistencyEpsilon is the relative tolerance for amount checks; totals a
// couple of cents off still count as consistent on small invoices.
const consistencyEpsilon = 0.02

// ScoreConfidence combines the four extraction quality signals into [0,1].
// ocrQuality < 0 means the OCR tier reported no per-word confidences and
// the signal defaults to full marks.
func ScoreConfidence(inv domain.Invoice, ocrQuality float64) float64 {
	ocr := ocrQuality
	if ocr < 0 {
		ocr = 1.0
	}
	ocr = clamp01(ocr)

	structural := 0.0
	if inv.RequiredPresent() {
		structural = 1.0
	}

	score := weightOCR*ocr +
		weightStructural*structural +
		weightConsistency*consistencySignal(inv) +
		weightCoverage*inv.CoverageFraction()
	return clamp01(score)
}

// consistencySignal checks the arithmetic relations whose inputs are all
// present: subtotal+tax against total, and the line item sum against
// subtotal. With nothing to check the signal is 1.0; coverage already
// penalizes the missing fields.
func consistencySignal(inv domain.Invoice) float64 {
	checks, passed := 0, 0
	if inv.Subtotal != nil && inv.Tax != nil && inv.Total != nil {
		checks++
		if amountsClose(*inv.Subtotal+*inv.Tax, *inv.Total) {
			passed++
		}
	}
	if sum, ok := inv.LineTotalSum(); ok && inv.Subtotal != nil {
		checks++
		if amountsClose(sum, *inv.Subtotal) {
			passed++
		}
	}
	if checks == 0 {
		return 1.0
	}
	return float64(passed) / float64(checks)
}

func amountsClose(got, want float64) bool {
	tol := consistencyEpsilon * math.Abs(want)
	if tol < 0.01 {
		tol = 0.01
	}
	return math.Abs(got-want) <= tol
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
