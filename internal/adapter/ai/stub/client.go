// Package stub provides a deterministic LLM client for local development
// and tests. It ignores the OCR text and returns a fixed invoice.
package stub

import (
	"sync/atomic"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

const fixtureInvoice = `{
  "invoiceNumber": "INV-2025-0042",
  "invoiceDate": "2025-01-15",
  "dueDate": "2025-02-14",
  "vendorName": "ACME Supplies BV",
  "currency": "EUR",
  "subtotal": 120.50,
  "tax": 25.31,
  "total": 145.81,
  "lineItems": [
    {"description": "Paper A4", "quantity": 4, "unitPrice": 12.50, "lineTotal": 50.00},
    {"description": "Toner cartridge", "quantity": 2, "unitPrice": 35.25, "lineTotal": 70.50}
  ]
}`

// Client returns Response for every extraction. The zero value is not
// usable; construct with New.
type Client struct {
	Response string
	Err      error
	calls    atomic.Int64
}

func New() *Client {
	return &Client{Response: fixtureInvoice}
}

func (c *Client) Name() string { return "stub" }

func (c *Client) ExtractInvoice(_ domain.Context, _, _ string) (string, error) {
	c.calls.Add(1)
	if c.Err != nil {
		return "", c.Err
	}
	return c.Response, nil
}

// Calls reports how many extractions have been requested.
func (c *Client) Calls() int64 { return c.calls.Load() }
