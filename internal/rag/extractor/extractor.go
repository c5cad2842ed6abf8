// Package extractor turns uploaded files into plain text, falling back to a
// vision model for scanned or image heavy content.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/tgo/kiwi/internal/model"
	"github.com/tgo/kiwi/internal/pkg/logger"
)

var ErrNoVisionAnalyzer = errors.New("no vision analyzer configured")

const (
	StagePreparation    = "preparation"
	StageTextExtraction = "text_extraction"
	StageVisionAnalysis = "vision_analysis"
	StageExtracted      = "extracted"

	visionHeader = "=== Vision analysis ==="
	textHeader   = "=== Extracted text ==="
)

// ProgressFunc receives extraction progress in [0,1]. The receiver decides
// whether to persist it.
type ProgressFunc func(p model.Progress)

type Options struct {
	// TextThreshold is the minimum number of extracted characters below which
	// PDF pages are also sent to the vision analyzer.
	TextThreshold int
	// MaxVisionPages caps how many PDF pages are rendered. 0 means no limit.
	MaxVisionPages int
	// SignificantImageArea is the pixel area from which an embedded image is
	// worth a vision pass.
	SignificantImageArea int
	RenderDPI            float64
}

func DefaultOptions() Options {
	return Options{
		TextThreshold:        100,
		MaxVisionPages:       0,
		SignificantImageArea: 64000,
		RenderDPI:            150,
	}
}

type Extractor struct {
	opts     Options
	vision   VisionAnalyzer
	pdf      PDFReader
	renderer PageRenderer
	log      *logrus.Entry
}

// New builds an extractor. vision may be nil, in which case image content is
// skipped inside documents and standalone images fail.
func New(opts Options, vision VisionAnalyzer, pdf PDFReader, renderer PageRenderer, log *logrus.Entry) *Extractor {
	if opts.SignificantImageArea <= 0 {
		opts.SignificantImageArea = DefaultOptions().SignificantImageArea
	}
	if opts.RenderDPI <= 0 {
		opts.RenderDPI = DefaultOptions().RenderDPI
	}
	if pdf == nil {
		pdf = NewPlainPDFReader()
	}
	return &Extractor{
		opts:     opts,
		vision:   vision,
		pdf:      pdf,
		renderer: renderer,
		log:      logger.OrDefault(log, "extractor"),
	}
}

// Extract returns the plain text content of the file at path.
func (e *Extractor) Extract(ctx context.Context, path, declaredMIME string, progress ProgressFunc) (string, error) {
	if progress == nil {
		progress = func(model.Progress) {}
	}
	progress(model.Progress{Stage: StagePreparation, Label: "Preparing document", Progress: 0.05})

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	kind := classify(ext, declaredMIME)

	var (
		text string
		err  error
	)
	switch kind {
	case kindText:
		text, err = readText(path)
	case kindHTML:
		text, err = readHTML(path)
	case kindPDF:
		text, err = e.extractPDF(ctx, path, progress)
	case kindDOCX:
		text, err = e.extractDOCX(ctx, path, progress)
	case kindImage:
		text, err = e.extractImage(ctx, path, progress)
	default:
		text, err = readText(path)
	}
	if err != nil {
		return "", err
	}

	progress(model.Progress{Stage: StageExtracted, Label: "Text extracted", Progress: 1})
	return strings.TrimSpace(text), nil
}

type fileKind int

const (
	kindUnknown fileKind = iota
	kindText
	kindHTML
	kindPDF
	kindDOCX
	kindImage
)

var extensionKinds = map[string]fileKind{
	"txt": kindText, "md": kindText, "markdown": kindText, "csv": kindText, "json": kindText,
	"html": kindHTML, "htm": kindHTML,
	"pdf":  kindPDF,
	"docx": kindDOCX,
	"png":  kindImage, "jpg": kindImage, "jpeg": kindImage, "gif": kindImage,
	"webp": kindImage, "bmp": kindImage, "tif": kindImage, "tiff": kindImage,
}

func classify(ext, declaredMIME string) fileKind {
	if k, ok := extensionKinds[ext]; ok {
		return k
	}
	mt := strings.ToLower(declaredMIME)
	switch {
	case mt == "application/pdf":
		return kindPDF
	case mt == "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return kindDOCX
	case mt == "text/html":
		return kindHTML
	case strings.HasPrefix(mt, "text/"):
		return kindText
	case strings.HasPrefix(mt, "image/"):
		return kindImage
	}
	return kindUnknown
}

// readText decodes the file as UTF-8, or as Latin-1 when it is not valid UTF-8.
func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return decodeText(data), nil
}

func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data)
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "table": true, "ul": true, "ol": true,
}

func readHTML(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open html: %w", err)
	}
	defer f.Close()
	return htmlText(f)
}

func htmlText(r io.Reader) (string, error) {
	var sb strings.Builder
	z := html.NewTokenizer(r)
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != nil && !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("parse html: %w", err)
			}
			return collapseBlankLines(sb.String()), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" || tag == "noscript" {
				skip++
			}
			if blockTags[tag] {
				sb.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style" || tag == "noscript") && skip > 0 {
				skip--
			}
			if blockTags[tag] {
				sb.WriteByte('\n')
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if t := strings.TrimSpace(string(z.Text())); t != "" {
				sb.WriteString(t)
				sb.WriteByte(' ')
			}
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func (e *Extractor) extractImage(ctx context.Context, path string, progress ProgressFunc) (string, error) {
	if e.vision == nil {
		return "", ErrNoVisionAnalyzer
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	progress(model.Progress{Stage: StageVisionAnalysis, Label: "Analyzing image", Progress: 0.3, Current: 0, Total: 1})
	out, err := e.vision.Analyze(ctx, data, mimetype.Detect(data).String())
	if err != nil {
		return "", fmt.Errorf("analyze image: %w", err)
	}
	progress(model.Progress{Stage: StageVisionAnalysis, Label: "Image analyzed", Progress: 0.9, Current: 1, Total: 1})
	return out, nil
}

// visionUnit is one page or embedded image sent to the vision analyzer.
type visionUnit struct {
	label string
	text  string
}

func formatVision(units []visionUnit) string {
	var sb strings.Builder
	for _, u := range units {
		if strings.TrimSpace(u.text) == "" {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString(visionHeader)
			sb.WriteString("\n\n")
		} else {
			sb.WriteString("\n\n")
		}
		sb.WriteString("--- ")
		sb.WriteString(u.label)
		sb.WriteString(" ---\n")
		sb.WriteString(strings.TrimSpace(u.text))
	}
	return sb.String()
}

func combine(vision, text string) string {
	vision = strings.TrimSpace(vision)
	text = strings.TrimSpace(text)
	switch {
	case vision != "" && text != "":
		return vision + "\n\n" + textHeader + "\n\n" + text
	case vision != "":
		return vision
	default:
		return text
	}
}

// analyzeUnit runs the vision analyzer and converts a failure into an inline
// message so the remaining units are still processed.
func (e *Extractor) analyzeUnit(ctx context.Context, data []byte, mimeType, label string) string {
	out, err := e.vision.Analyze(ctx, data, mimeType)
	if err != nil {
		e.log.WithError(err).WithField("unit", label).Warn("vision analysis failed")
		return VisionErrorText(err)
	}
	return out
}

// scale maps step i of n onto the [from,to] progress range.
func scale(from, to float64, i, n int) float64 {
	if n <= 0 {
		return to
	}
	return from + (to-from)*float64(i)/float64(n)
}
