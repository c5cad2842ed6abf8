package extractor

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"strings"

	fitz "github.com/gen2brain/go-fitz"
	"github.com/ledongthuc/pdf"

	"github.com/tgo/kiwi/internal/model"
)

// PageContent is what the text parser finds on one PDF page.
type PageContent struct {
	Text string
	// ImageAreas holds width*height of each raster object drawn on the page.
	ImageAreas []int
}

type PDFReader interface {
	ReadPages(ctx context.Context, path string) ([]PageContent, error)
}

// PageRenderer rasterizes PDF pages to PNG.
type PageRenderer interface {
	PageCount(path string) (int, error)
	RenderPage(path string, page int, dpi float64) ([]byte, error)
}

func (e *Extractor) extractPDF(ctx context.Context, path string, progress ProgressFunc) (string, error) {
	pages, err := e.pdf.ReadPages(ctx, path)
	if err != nil {
		// scanned or damaged files often fail text parsing but still render
		e.log.WithError(err).WithField("path", path).Warn("pdf text extraction failed")
		pages = nil
	}

	var (
		texts         []string
		totalChars    int
		imageDominant bool
	)
	for i, p := range pages {
		t := strings.TrimSpace(p.Text)
		if t != "" {
			texts = append(texts, t)
			totalChars += len([]rune(t))
		}
		if e.hasSignificantImage(p.ImageAreas) && len([]rune(t)) < e.opts.TextThreshold {
			imageDominant = true
		}
		progress(model.Progress{
			Stage:    StageTextExtraction,
			Label:    "Extracting text",
			Progress: scale(0.1, 0.3, i+1, len(pages)),
			Current:  i + 1,
			Total:    len(pages),
		})
	}
	text := strings.Join(texts, "\n\n")

	needVision := imageDominant || totalChars < e.opts.TextThreshold
	if !needVision {
		return text, nil
	}
	if e.vision == nil || e.renderer == nil {
		if text == "" {
			return "", fmt.Errorf("pdf has no extractable text: %w", ErrNoVisionAnalyzer)
		}
		return text, nil
	}

	vision, err := e.analyzePDFPages(ctx, path, progress)
	if err != nil {
		if text == "" {
			return "", err
		}
		e.log.WithError(err).WithField("path", path).Warn("pdf rendering failed, keeping extracted text")
		return text, nil
	}
	return combine(vision, text), nil
}

func (e *Extractor) analyzePDFPages(ctx context.Context, path string, progress ProgressFunc) (string, error) {
	count, err := e.renderer.PageCount(path)
	if err != nil {
		return "", fmt.Errorf("count pdf pages: %w", err)
	}
	if e.opts.MaxVisionPages > 0 && count > e.opts.MaxVisionPages {
		count = e.opts.MaxVisionPages
	}

	units := make([]visionUnit, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		label := fmt.Sprintf("Page %d", i+1)
		img, err := e.renderer.RenderPage(path, i, e.opts.RenderDPI)
		if err != nil {
			units = append(units, visionUnit{label: label, text: VisionErrorText(err)})
		} else {
			units = append(units, visionUnit{label: label, text: e.analyzeUnit(ctx, img, "image/png", label)})
		}
		progress(model.Progress{
			Stage:    StageVisionAnalysis,
			Label:    "Analyzing pages",
			Progress: scale(0.3, 0.95, i+1, count),
			Current:  i + 1,
			Total:    count,
		})
	}
	return formatVision(units), nil
}

func (e *Extractor) hasSignificantImage(areas []int) bool {
	for _, a := range areas {
		if a >= e.opts.SignificantImageArea {
			return true
		}
	}
	return false
}

// PlainPDFReader reads page text and image dimensions with ledongthuc/pdf.
type PlainPDFReader struct{}

func NewPlainPDFReader() *PlainPDFReader {
	return &PlainPDFReader{}
}

func (r *PlainPDFReader) ReadPages(ctx context.Context, path string) (pages []PageContent, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("parse pdf: %v", rec)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	n := reader.NumPage()
	pages = make([]PageContent, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := reader.Page(i)
		if p.V.IsNull() {
			pages = append(pages, PageContent{})
			continue
		}
		fonts := make(map[string]*pdf.Font)
		for _, name := range p.Fonts() {
			font := p.Font(name)
			fonts[name] = &font
		}
		text, err := p.GetPlainText(fonts)
		if err != nil {
			text = ""
		}
		pages = append(pages, PageContent{Text: text, ImageAreas: pageImageAreas(p)})
	}
	return pages, nil
}

func pageImageAreas(p pdf.Page) []int {
	xobjects := p.Resources().Key("XObject")
	var areas []int
	for _, name := range xobjects.Keys() {
		obj := xobjects.Key(name)
		if obj.Key("Subtype").Name() != "Image" {
			continue
		}
		w := obj.Key("Width").Int64()
		h := obj.Key("Height").Int64()
		if w > 0 && h > 0 {
			areas = append(areas, int(w*h))
		}
	}
	return areas
}

// FitzRenderer renders pages through MuPDF.
type FitzRenderer struct{}

func NewFitzRenderer() *FitzRenderer {
	return &FitzRenderer{}
}

func (r *FitzRenderer) PageCount(path string) (int, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return 0, fmt.Errorf("open pdf for rendering: %w", err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}

func (r *FitzRenderer) RenderPage(path string, page int, dpi float64) ([]byte, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf for rendering: %w", err)
	}
	defer doc.Close()

	img, err := doc.ImageDPI(page, dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", page+1, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode page %d: %w", page+1, err)
	}
	return buf.Bytes(), nil
}
