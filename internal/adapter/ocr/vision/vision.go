// Package vision runs document OCR through the Google Cloud Vision API.
//
// Small documents use the synchronous file annotation call; larger ones go
// through the async batch operation writing JSON shards to the blob store.
package vision

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

// syncPageLimit is the Vision API cap on pages per synchronous file request.
const syncPageLimit = 5

// shardBatchSize is how many pages Vision groups into one output shard.
const shardBatchSize = 20

// Client implements domain.OCRProvider.
type Client struct {
	api       *vision.ImageAnnotatorClient
	blob      domain.BlobStore
	langHints []string
}

func New(ctx domain.Context, blob domain.BlobStore, langHints []string, opts ...option.ClientOption) (*Client, error) {
	api, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("op=vision.client: %w", err)
	}
	return &Client{api: api, blob: blob, langHints: langHints}, nil
}

func (c *Client) Close() error { return c.api.Close() }

func (c *Client) fileRequest(uri string) (*visionpb.InputConfig, []*visionpb.Feature, *visionpb.ImageContext) {
	in := &visionpb.InputConfig{
		GcsSource: &visionpb.GcsSource{Uri: uri},
		MimeType:  "application/pdf",
	}
	feats := []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}}
	var ic *visionpb.ImageContext
	if len(c.langHints) > 0 {
		ic = &visionpb.ImageContext{LanguageHints: c.langHints}
	}
	return in, feats, ic
}

// ExtractSync annotates up to syncPageLimit pages in one call and returns
// the concatenated text plus the fraction of words Vision is confident in.
func (c *Client) ExtractSync(ctx domain.Context, uri string, pageCount int) (domain.OCRText, error) {
	in, feats, ic := c.fileRequest(uri)
	req := &visionpb.BatchAnnotateFilesRequest{
		Requests: []*visionpb.AnnotateFileRequest{{
			InputConfig:  in,
			Features:     feats,
			ImageContext: ic,
			Pages:        pageRange(pageCount, syncPageLimit),
		}},
	}
	resp, err := c.api.BatchAnnotateFiles(ctx, req)
	if err != nil {
		return domain.OCRText{}, fmt.Errorf("op=vision.sync: %w", err)
	}
	if len(resp.GetResponses()) == 0 {
		return domain.OCRText{}, fmt.Errorf("op=vision.sync: empty response: %w", domain.ErrInternal)
	}

	var parts []string
	var pages []*visionpb.Page
	for _, pr := range resp.GetResponses()[0].GetResponses() {
		if e := pr.GetError(); e != nil {
			return domain.OCRText{}, fmt.Errorf("op=vision.sync: page error: %s: %w", e.GetMessage(), domain.ErrInternal)
		}
		ann := pr.GetFullTextAnnotation()
		if ann == nil {
			continue
		}
		parts = append(parts, ann.GetText())
		pages = append(pages, ann.GetPages()...)
	}
	return domain.OCRText{
		Text:        strings.Join(parts, "\f"),
		WordQuality: wordQuality(pages),
	}, nil
}

// StartAsync submits a batch annotation writing shards under outputPrefix
// and returns the long-running operation name for later resumption.
func (c *Client) StartAsync(ctx domain.Context, uri, outputPrefix string) (string, error) {
	in, feats, ic := c.fileRequest(uri)
	req := &visionpb.AsyncBatchAnnotateFilesRequest{
		Requests: []*visionpb.AsyncAnnotateFileRequest{{
			InputConfig:  in,
			Features:     feats,
			ImageContext: ic,
			OutputConfig: &visionpb.OutputConfig{
				GcsDestination: &visionpb.GcsDestination{Uri: c.blob.URI(outputPrefix)},
				BatchSize:      shardBatchSize,
			},
		}},
	}
	op, err := c.api.AsyncBatchAnnotateFiles(ctx, req)
	if err != nil {
		return "", fmt.Errorf("op=vision.start_async: %w", err)
	}
	return op.Name(), nil
}

// PollAsync checks a previously started operation by name. Any worker can
// poll any operation; the name alone is enough to resume.
func (c *Client) PollAsync(ctx domain.Context, operationName string) (bool, error) {
	op := c.api.AsyncBatchAnnotateFilesOperation(operationName)
	if _, err := op.Poll(ctx); err != nil {
		return false, fmt.Errorf("op=vision.poll: %w", err)
	}
	return op.Done(), nil
}

// shardFile is the slice of Vision's output JSON we care about.
type shardFile struct {
	Responses []struct {
		FullTextAnnotation struct {
			Text string `json:"text"`
		} `json:"fullTextAnnotation"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}

// CollectAsync reads the output shards in shard order, concatenates their
// text and deletes the shards. Word confidence is not carried in the shard
// text we parse, so quality is reported unknown.
func (c *Client) CollectAsync(ctx domain.Context, outputPrefix string) (domain.OCRText, error) {
	names, err := c.blob.List(ctx, outputPrefix)
	if err != nil {
		return domain.OCRText{}, fmt.Errorf("op=vision.collect: %w", err)
	}
	if len(names) == 0 {
		return domain.OCRText{}, fmt.Errorf("op=vision.collect: no output shards under %s: %w", outputPrefix, domain.ErrNotFound)
	}

	var parts []string
	for _, name := range names {
		data, err := c.blob.Download(ctx, name)
		if err != nil {
			return domain.OCRText{}, fmt.Errorf("op=vision.collect: %w", err)
		}
		text, err := parseShard(data)
		if err != nil {
			return domain.OCRText{}, fmt.Errorf("op=vision.collect: shard %s: %w", name, err)
		}
		if text != "" {
			parts = append(parts, text)
		}
	}

	if err := c.blob.DeletePrefix(ctx, outputPrefix); err != nil {
		slog.Warn("failed to delete OCR output shards", slog.String("prefix", outputPrefix), slog.Any("error", err))
	}

	return domain.OCRText{
		Text:        strings.Join(parts, "\f"),
		WordQuality: -1,
	}, nil
}

func parseShard(data []byte) (string, error) {
	var sf shardFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return "", fmt.Errorf("parse shard: %w", err)
	}
	var parts []string
	for _, r := range sf.Responses {
		if r.Error != nil && r.Error.Message != "" {
			return "", fmt.Errorf("page error: %s: %w", r.Error.Message, domain.ErrInternal)
		}
		if r.FullTextAnnotation.Text != "" {
			parts = append(parts, r.FullTextAnnotation.Text)
		}
	}
	return strings.Join(parts, "\f"), nil
}

func pageRange(pageCount, limit int) []int32 {
	n := pageCount
	if n <= 0 || n > limit {
		n = limit
	}
	pages := make([]int32, 0, n)
	for i := 1; i <= n; i++ {
		pages = append(pages, int32(i))
	}
	return pages
}

// wordQuality is the fraction of detected words with confidence >= 0.8,
// or -1 when Vision returned no word data.
func wordQuality(pages []*visionpb.Page) float64 {
	var total, high int
	for _, p := range pages {
		for _, b := range p.GetBlocks() {
			for _, par := range b.GetParagraphs() {
				for _, w := range par.GetWords() {
					total++
					if w.GetConfidence() >= 0.8 {
						high++
					}
				}
			}
		}
	}
	if total == 0 {
		return -1
	}
	return float64(high) / float64(total)
}
