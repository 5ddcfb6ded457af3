// Package transform downsizes remote-procedure responses for a downstream
// consumer with strict payload limits: oversized screenshots are rescaled
// and long text blocks truncated.
package transform

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/jpeg"
	_ "image/png"
	"math"
	"unicode/utf8"

	"golang.org/x/image/draw"
)

const (
	// DefaultLongEdge is the maximum width or height an image may keep.
	DefaultLongEdge = 1568
	// DefaultPixelBudget caps total pixel count (roughly 1.15 megapixels).
	DefaultPixelBudget = 1150000
	// DefaultTextLimit caps text content items, in characters.
	DefaultTextLimit = 4000
	// TruncationMarker is appended to truncated text items.
	TruncationMarker = "\n[...output truncated]"

	jpegQuality = 80
)

// Transformer rewrites tool-result content items that exceed the downstream
// size budget. Everything it cannot parse passes through untouched.
type Transformer struct {
	LongEdge    int
	PixelBudget int
	TextLimit   int
}

func New() *Transformer {
	return &Transformer{
		LongEdge:    DefaultLongEdge,
		PixelBudget: DefaultPixelBudget,
		TextLimit:   DefaultTextLimit,
	}
}

// TransformResult reshapes a JSON-RPC result payload. Only results shaped as
// {"content": [...]} are touched; any other shape is returned as-is.
func (t *Transformer) TransformResult(result json.RawMessage) json.RawMessage {
	if len(result) == 0 {
		return result
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result, &fields); err != nil {
		return result
	}
	rawContent, ok := fields["content"]
	if !ok {
		return result
	}

	var items []json.RawMessage
	if err := json.Unmarshal(rawContent, &items); err != nil {
		return result
	}

	changed := false
	for i, item := range items {
		if out, ok := t.transformItem(item); ok {
			items[i] = out
			changed = true
		}
	}
	if !changed {
		return result
	}

	newContent, err := json.Marshal(items)
	if err != nil {
		return result
	}
	fields["content"] = newContent
	out, err := json.Marshal(fields)
	if err != nil {
		return result
	}
	return out
}

// contentItem covers the two item kinds the transformer cares about. Unknown
// kinds keep their raw bytes.
type contentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// transformItem returns the rewritten item and whether it changed.
func (t *Transformer) transformItem(raw json.RawMessage) (json.RawMessage, bool) {
	var item contentItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return raw, false
	}

	switch item.Type {
	case "text":
		if len(item.Text) <= t.TextLimit {
			return raw, false
		}
		// Back the cut off to a rune boundary so a multi-byte character
		// straddling the limit is dropped whole, not torn.
		cut := t.TextLimit
		for cut > 0 && !utf8.RuneStart(item.Text[cut]) {
			cut--
		}
		item.Text = item.Text[:cut] + TruncationMarker
		out, err := json.Marshal(item)
		if err != nil {
			return raw, false
		}
		return out, true

	case "image":
		data, mime, ok := t.shrinkImage(item.Data)
		if !ok {
			return raw, false
		}
		item.Data = data
		item.MimeType = mime
		out, err := json.Marshal(item)
		if err != nil {
			return raw, false
		}
		return out, true

	default:
		return raw, false
	}
}

// shrinkImage decodes a base64 image and rescales or re-encodes it to fit the
// budget. ok is false when the item should pass through unchanged, including
// every decode or encode failure.
func (t *Transformer) shrinkImage(b64 string) (string, string, bool) {
	src, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", "", false
	}

	img, format, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return "", "", false
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return "", "", false
	}

	factor := scaleFactor(w, h, t.LongEdge, t.PixelBudget)

	if factor >= 1 {
		if format == "jpeg" {
			// Under budget and already in the target encoding: byte-identical
			// passthrough.
			return "", "", false
		}
		// Under budget but e.g. PNG: re-encode without resizing.
		return encodeJPEG(img)
	}

	dw := int(math.Round(float64(w) * factor))
	dh := int(math.Round(float64(h) * factor))
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return encodeJPEG(dst)
}

// scaleFactor computes the shrink factor: the tightest of the long-edge and
// pixel-count constraints, never above 1 (no upscaling).
func scaleFactor(w, h, longEdge, pixelBudget int) float64 {
	factor := 1.0
	if f := float64(longEdge) / float64(w); f < factor {
		factor = f
	}
	if f := float64(longEdge) / float64(h); f < factor {
		factor = f
	}
	if f := math.Sqrt(float64(pixelBudget) / float64(w*h)); f < factor {
		factor = f
	}
	return factor
}

func encodeJPEG(img image.Image) (string, string, bool) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", "", false
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), "image/jpeg", true
}
