package matdisc

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
	"golang.org/x/text/unicode/norm"
)

// degradedMessage replaces user-visible text when nothing safe to show
// remains: every tool failed, or the model's answer was all leaked
// internals.
const degradedMessage = "I wasn't able to reach the data sources needed to answer that right now. Please try again in a moment."

// memoryApology is the turn-fatal reply when the conversation history
// cannot be read.
const memoryApology = "Something went wrong on my side while recalling this conversation. Please try again."

// leakMarkers are substrings that must never appear in user-visible text.
// Matched case-insensitively against the markdown's plain-text rendering.
var leakMarkers = []string{
	"traceback (most recent call last)",
	"panic:",
	"goroutine ",
	"stack trace",
	"context deadline exceeded",
	"connection refused",
	"no such host",
	"errhttp",
	"http 429",
	"http 500",
	"http 502",
	"http 503",
}

// Assembler builds the outbound Response and guarantees the user-visible
// text carries no raw error tokens, stack traces, or internal tool names.
// Full detail stays in the reasoning trace and logs.
type Assembler struct {
	internal []string // tool function names, lowercased
	logger   *slog.Logger
	md       goldmark.Markdown
}

// NewAssembler creates an assembler that additionally treats the given tool
// function names as internal identifiers.
func NewAssembler(toolNames []string, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = nopLogger
	}
	internal := make([]string, 0, len(toolNames))
	for _, n := range toolNames {
		internal = append(internal, strings.ToLower(n))
	}
	return &Assembler{internal: internal, logger: logger, md: goldmark.New()}
}

// Assemble composes the response envelope from the loop's accumulated
// state, scrubbing the visible text first.
func (a *Assembler) Assemble(sessionID, text string, trace []ReasoningStep, results map[string]ToolOutcome, images []Image) *Response {
	clean, scrubbed := a.Scrub(text)
	if scrubbed {
		a.logger.Warn("internal detail scrubbed from response", "session", sessionID)
	}
	if results == nil {
		results = map[string]ToolOutcome{}
	}
	return &Response{
		SessionID:     sessionID,
		Text:          clean,
		Trace:         trace,
		SearchResults: results,
		Images:        images,
	}
}

// Scrub normalizes text to NFKC and removes lines whose plain-text
// rendering contains a leak marker or an internal tool name. Returns the
// cleaned text and whether anything was removed. When nothing safe
// remains, the degraded message is returned instead of empty text.
func (a *Assembler) Scrub(text string) (string, bool) {
	text = norm.NFKC.String(text)
	if strings.TrimSpace(text) == "" {
		return degradedMessage, false
	}

	// Markdown is scanned via its plain-text rendering so markers hidden
	// by inline formatting (code spans, emphasis splits) are still caught.
	if !a.leaks(a.plainText([]byte(text))) {
		return text, false
	}

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if a.leaks(a.plainText([]byte(line))) {
			continue
		}
		kept = append(kept, line)
	}
	clean := strings.TrimSpace(strings.Join(kept, "\n"))
	if clean == "" {
		return degradedMessage, true
	}
	return clean, true
}

// leaks reports whether the plain text contains any marker or internal name.
func (a *Assembler) leaks(plain string) bool {
	lower := strings.ToLower(plain)
	for _, m := range leakMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	for _, n := range a.internal {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// plainText renders markdown source to its concatenated text content,
// including code block bodies.
func (a *Assembler) plainText(src []byte) string {
	doc := a.md.Parser().Parse(gmtext.NewReader(src))
	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(src))
			buf.WriteByte(' ')
		case *ast.FencedCodeBlock:
			writeLines(&buf, t, src)
		case *ast.CodeBlock:
			writeLines(&buf, t, src)
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}

func writeLines(buf *bytes.Buffer, n ast.Node, src []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(src))
	}
}

// liftImage inspects a successful tool result for the structure-image
// envelope and converts it to an Image. Returns false when the result is
// not an image payload.
func liftImage(data []byte) (Image, bool) {
	var probe struct {
		Type     string `json:"type"`
		SMILES   string `json:"smiles"`
		MimeType string `json:"mime_type"`
		Data     string `json:"image_data"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Type != "image" || probe.Data == "" {
		return Image{}, false
	}
	mime := probe.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return Image{
		SMILES:   probe.SMILES,
		MimeType: mime,
		Base64:   probe.Data,
		Width:    probe.Width,
		Height:   probe.Height,
	}, true
}
