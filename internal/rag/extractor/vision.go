package extractor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// VisionAnalyzer describes a single image.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, image []byte, mimeType string) (string, error)
}

const visionErrorPrefix = "Erreur lors de l'analyse: "

// VisionErrorText is the inline text recorded for a page or image whose analysis failed.
func VisionErrorText(err error) string {
	return visionErrorPrefix + err.Error()
}

const visionPrompt = `You are analyzing an image taken from a document uploaded to a knowledge base.
Answer in the language used by the document.

1. Content type: classify the image (scanned text page, table, chart, diagram, photo, screenshot, form, handwriting, other).
2. Transcription: transcribe every piece of visible text verbatim, keeping reading order, headings, lists and table rows.
   Do not translate or correct it. Write [illegible] for unreadable parts.
3. Structured description: describe the layout and the visual elements (axes, legends, values, arrows, relations between boxes).
   For tables, reproduce them in Markdown.
4. Summary: two to four sentences on what the image conveys.

Use the headings "Type", "Transcription", "Description" and "Summary".`

// ChatVision sends images to a vision capable chat model.
type ChatVision struct {
	model  model.BaseChatModel
	prompt string
}

func NewChatVision(m model.BaseChatModel) *ChatVision {
	return &ChatVision{model: m, prompt: visionPrompt}
}

func (v *ChatVision) Analyze(ctx context.Context, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", errors.New("empty image")
	}
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/png"
	}
	url := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	msg := &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: v.prompt},
			{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{
				URL:    url,
				Detail: schema.ImageURLDetailHigh,
			}},
		},
	}

	resp, err := v.model.Generate(ctx, []*schema.Message{msg})
	if err != nil {
		return "", fmt.Errorf("vision model: %w", err)
	}
	if resp == nil {
		return "", errors.New("vision model returned no message")
	}
	return resp.Content, nil
}
