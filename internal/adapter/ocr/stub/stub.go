// Package stub is a canned OCR provider for emulation mode and tests. It
// never talks to the network.
package stub

import (
	"fmt"
	"sync/atomic"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

const sampleText = `INVOICE
ACME Supplies BV
Invoice number: INV-2025-0042
Invoice date: 15-01-2025
Due date: 14-02-2025

Description            Qty   Unit price   Amount
Paper A4 (box)           4       12,50     50,00
Toner cartridge          2       35,25     70,50

Subtotal                                  120,50
VAT 21%                                    25,31
Total                                     145,81 EUR
`

// Provider implements domain.OCRProvider with fixed output.
type Provider struct {
	Text    string
	Quality float64

	started atomic.Int64
}

func New() *Provider {
	return &Provider{Text: sampleText, Quality: 0.95}
}

func (p *Provider) ExtractSync(_ domain.Context, _ string, _ int) (domain.OCRText, error) {
	return domain.OCRText{Text: p.Text, WordQuality: p.Quality}, nil
}

func (p *Provider) StartAsync(_ domain.Context, _ string, outputPrefix string) (string, error) {
	n := p.started.Add(1)
	return fmt.Sprintf("stub-operations/%s%d", outputPrefix, n), nil
}

func (p *Provider) PollAsync(_ domain.Context, _ string) (bool, error) {
	return true, nil
}

func (p *Provider) CollectAsync(_ domain.Context, _ string) (domain.OCRText, error) {
	// Async output carries no word confidences.
	return domain.OCRText{Text: p.Text, WordQuality: -1}, nil
}
