// Package pdfx provides PDF inspection helpers used during upload validation.
package pdfx

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var pdfMagic = []byte("%PDF-")

// IsPDF reports whether data begins with the PDF file header.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, pdfMagic)
}

// PageCount parses data as a PDF and returns its page count. Validation is
// relaxed: scanner output is often slightly out of spec and still usable.
func PageCount(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("op=pdfx.page_count: %w", err)
	}
	return n, nil
}
