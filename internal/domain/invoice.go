package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Invoice is the extraction result stored as the job's result document.
// Amount fields are pointers so "absent" and "0.00" stay distinguishable
// for the coverage and consistency signals.
type Invoice struct {
	InvoiceNumber string     `json:"invoiceNumber"`
	InvoiceDate   string     `json:"invoiceDate"`
	VendorName    string     `json:"vendorName"`
	Currency      string     `json:"currency"`
	Subtotal      *float64   `json:"subtotal"`
	Tax           *float64   `json:"tax"`
	Total         *float64   `json:"total"`
	DueDate       string     `json:"dueDate,omitempty"`
	LineItems     []LineItem `json:"lineItems"`
	Notes         string     `json:"notes,omitempty"`
}

type LineItem struct {
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity"`
	UnitPrice   *float64 `json:"unitPrice"`
	LineTotal   *float64 `json:"lineTotal"`
}

// coverageFieldCount is the denominator of the coverage signal.
const coverageFieldCount = 8

// ParseInvoice builds an Invoice from a model reply that has already been
// cleaned to bare JSON. Models are sloppy about key casing, number formats
// and dates, so parsing is tolerant: snake_case/camelCase keys, amounts as
// strings with currency symbols and EU or US separators, dates in common
// layouts. A reply that is not a JSON object at all is ErrSchemaInvalid.
func ParseInvoice(raw string) (Invoice, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Invoice{}, fmt.Errorf("%w: invoice reply is not a JSON object: %v", ErrSchemaInvalid, err)
	}
	inv := Invoice{
		InvoiceNumber: lookupString(m, "invoicenumber", "number"),
		InvoiceDate:   normalizeDate(lookupString(m, "invoicedate", "date")),
		VendorName:    lookupString(m, "vendorname", "vendor", "supplier"),
		Currency:      normalizeCurrency(lookupString(m, "currency")),
		Subtotal:      lookupAmount(m, "subtotal"),
		Tax:           lookupAmount(m, "tax", "vat"),
		Total:         lookupAmount(m, "total", "totalamount", "grandtotal"),
		DueDate:       normalizeDate(lookupString(m, "duedate")),
		Notes:         lookupString(m, "notes", "note", "remarks", "comments"),
	}
	if items, ok := lookupKey(m, "lineitems", "items", "lines"); ok {
		if arr, ok := items.([]any); ok {
			for _, el := range arr {
				im, ok := el.(map[string]any)
				if !ok {
					continue
				}
				li := LineItem{
					Description: lookupString(im, "description", "item", "name"),
					Quantity:    lookupAmount(im, "quantity", "qty"),
					UnitPrice:   lookupAmount(im, "unitprice", "price"),
					LineTotal:   lookupAmount(im, "linetotal", "amount", "total"),
				}
				if li.LineTotal == nil && li.Quantity != nil && li.UnitPrice != nil {
					t := *li.Quantity * *li.UnitPrice
					li.LineTotal = &t
				}
				inv.LineItems = append(inv.LineItems, li)
			}
		}
	}
	if inv.empty() {
		return Invoice{}, fmt.Errorf("%w: invoice reply carries no recognizable fields", ErrSchemaInvalid)
	}
	return inv, nil
}

// ParseStoredInvoice decodes a result document previously written by this
// service (canonical keys, no tolerance needed).
func ParseStoredInvoice(resultJSON string) (Invoice, error) {
	var inv Invoice
	if err := json.Unmarshal([]byte(resultJSON), &inv); err != nil {
		return Invoice{}, fmt.Errorf("op=invoice.parse_stored: %w", err)
	}
	return inv, nil
}

func (i Invoice) empty() bool {
	return i.InvoiceNumber == "" && i.VendorName == "" && i.Total == nil &&
		i.Subtotal == nil && len(i.LineItems) == 0
}

// CoverageCount counts the populated core fields (out of eight).
func (i Invoice) CoverageCount() int {
	n := 0
	if i.InvoiceNumber != "" {
		n++
	}
	if i.InvoiceDate != "" {
		n++
	}
	if i.VendorName != "" {
		n++
	}
	if i.Currency != "" {
		n++
	}
	if i.Subtotal != nil {
		n++
	}
	if i.Tax != nil {
		n++
	}
	if i.Total != nil {
		n++
	}
	if len(i.LineItems) > 0 {
		n++
	}
	return n
}

func (i Invoice) CoverageFraction() float64 {
	return float64(i.CoverageCount()) / float64(coverageFieldCount)
}

// RequiredPresent reports structural validity: every core field populated.
func (i Invoice) RequiredPresent() bool { return i.CoverageCount() == coverageFieldCount }

// LineTotalSum returns the sum of line totals and whether any were present.
func (i Invoice) LineTotalSum() (float64, bool) {
	sum, any := 0.0, false
	for _, li := range i.LineItems {
		if li.LineTotal != nil {
			sum += *li.LineTotal
			any = true
		}
	}
	return sum, any
}

func lookupKey(m map[string]any, names ...string) (any, bool) {
	for k, v := range m {
		canon := canonicalKey(k)
		for _, n := range names {
			if canon == n {
				return v, true
			}
		}
	}
	return nil, false
}

func canonicalKey(k string) string {
	var b strings.Builder
	for _, r := range k {
		switch {
		case r == '_' || r == '-' || r == ' ':
		default:
			b.WriteRune(r)
		}
	}
	return strings.ToLower(b.String())
}

func lookupString(m map[string]any, names ...string) string {
	v, ok := lookupKey(m, names...)
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

func lookupAmount(m map[string]any, names ...string) *float64 {
	v, ok := lookupKey(m, names...)
	if !ok || v == nil {
		return nil
	}
	switch x := v.(type) {
	case float64:
		f := x
		return &f
	case string:
		return parseAmountString(x)
	default:
		return nil
	}
}

// parseAmountString handles "1,234.56", "1.234,56", "€ 1 234,56" and plain
// numbers. Returns nil when nothing numeric remains.
func parseAmountString(s string) *float64 {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" || cleaned == "-" {
		return nil
	}
	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0 && lastComma > lastDot:
		// EU style: dots group thousands, comma is the decimal mark.
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	case lastComma >= 0 && lastDot >= 0:
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	case lastComma >= 0:
		if len(cleaned)-lastComma-1 == 2 && strings.Count(cleaned, ",") == 1 {
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &f
}

var invoiceDateLayouts = []string{
	"2006-01-02",
	"02-01-2006",
	"01-02-2006",
	"02/01/2006",
	"2006/01/02",
	"02.01.2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"January 2, 2006",
}

// normalizeDate converts common layouts to ISO; unparseable values pass
// through untouched rather than being discarded.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range invoiceDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}

func normalizeCurrency(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "":
		return "EUR"
	case "€", "EURO", "EUROS":
		return "EUR"
	case "$", "US$", "USD$":
		return "USD"
	case "£":
		return "GBP"
	}
	if len(s) == 3 {
		return s
	}
	return "EUR"
}
