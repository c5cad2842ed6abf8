package extractor

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/tgo/kiwi/internal/model"
)

const docxBody = "word/document.xml"

func (e *Extractor) extractDOCX(ctx context.Context, filePath string, progress ProgressFunc) (string, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	var body *zip.File
	var media []*zip.File
	for _, f := range zr.File {
		switch {
		case f.Name == docxBody:
			body = f
		case strings.HasPrefix(f.Name, "word/media/") && !f.FileInfo().IsDir():
			media = append(media, f)
		}
	}
	if body == nil {
		return "", errors.New("docx has no word/document.xml")
	}

	text, err := docxParagraphs(body)
	if err != nil {
		return "", err
	}
	progress(model.Progress{Stage: StageTextExtraction, Label: "Text extracted", Progress: 0.3})

	if e.vision == nil || len(media) == 0 {
		return text, nil
	}

	sort.Slice(media, func(i, j int) bool { return media[i].Name < media[j].Name })
	var candidates []*zip.File
	var images [][]byte
	for _, f := range media {
		data, err := readZipFile(f)
		if err != nil {
			e.log.WithError(err).WithField("entry", f.Name).Warn("skip unreadable docx media")
			continue
		}
		if !e.significantImage(data) {
			continue
		}
		candidates = append(candidates, f)
		images = append(images, data)
	}

	units := make([]visionUnit, 0, len(candidates))
	for i, f := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		label := fmt.Sprintf("Image %d (%s)", i+1, path.Base(f.Name))
		units = append(units, visionUnit{
			label: label,
			text:  e.analyzeUnit(ctx, images[i], mimetype.Detect(images[i]).String(), label),
		})
		progress(model.Progress{
			Stage:    StageVisionAnalysis,
			Label:    "Analyzing images",
			Progress: scale(0.3, 0.95, i+1, len(candidates)),
			Current:  i + 1,
			Total:    len(candidates),
		})
	}
	return combine(formatVision(units), text), nil
}

// significantImage decodes only the image header and compares its area to the threshold.
func (e *Extractor) significantImage(data []byte) bool {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return false
	}
	return cfg.Width*cfg.Height >= e.opts.SignificantImageArea
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// docxParagraphs walks the WordprocessingML body and returns one line per paragraph.
func docxParagraphs(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open docx body: %w", err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse docx body: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				current.WriteByte('\t')
			case "br", "cr":
				current.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if p := strings.TrimSpace(current.String()); p != "" {
					paragraphs = append(paragraphs, p)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	if p := strings.TrimSpace(current.String()); p != "" {
		paragraphs = append(paragraphs, p)
	}
	return strings.Join(paragraphs, "\n"), nil
}
