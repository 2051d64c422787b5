// Package config provides configuration loading utilities for prompt configs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// promptsPath is where versioned extraction prompts live relative to the
// process working directory.
const promptsPath = "configs/prompts.yaml"

// PromptYAML represents the structure of the prompts config file.
type PromptYAML struct {
	Versions map[string]string `yaml:"versions"`
}

// LoadPrompt returns the extraction prompt for the given version from
// configs/prompts.yaml.
func LoadPrompt(version string) (string, error) {
	absPath, err := filepath.Abs(promptsPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return "", fmt.Errorf("config file not found: %s", absPath)
	}

	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to read config file: %w", err)
	}

	var prompts PromptYAML
	if err := yaml.Unmarshal(content, &prompts); err != nil {
		return "", fmt.Errorf("failed to parse YAML: %w", err)
	}

	text, ok := prompts.Versions[version]
	if !ok {
		return "", fmt.Errorf("prompt version %q not found in %s", version, promptsPath)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("prompt version %q is empty in %s", version, promptsPath)
	}
	return text, nil
}

// GetExtractionPrompt returns the prompt for the configured version, falling
// back to the built-in prompt when the config file is absent or incomplete.
func GetExtractionPrompt(version string) string {
	text, err := LoadPrompt(version)
	if err != nil {
		return defaultExtractionPrompt
	}
	return text
}

// defaultExtractionPrompt mirrors configs/prompts.yaml version v1 so the
// binary works without the asset on disk.
const defaultExtractionPrompt = `You are an invoice data extraction system. Extract structured data from the OCR text of a PDF invoice.

Return ONLY a valid JSON object with exactly these keys:
{
  "invoiceNumber": string or null,
  "invoiceDate": string "YYYY-MM-DD" or null,
  "vendorName": string or null,
  "currency": ISO 4217 code string or null,
  "subtotal": number or null,
  "tax": number or null,
  "total": number or null,
  "dueDate": string "YYYY-MM-DD" or null,
  "lineItems": [{"description": string, "quantity": number, "unitPrice": number, "lineTotal": number}]
}

Rules: use null for values not present in the text; never invent amounts; numbers are plain decimals without currency symbols or thousands separators; no markdown fences, no commentary, JSON only.`
