// Package ssml turns plain greeting and reply text into SSML that sounds
// less rushed on the phone.
package ssml

import (
	"fmt"
	"strings"
	"unicode"
)

// Prosody and style applied by Humanize.
const (
	Style  = "friendly"
	Rate   = "0.9"
	Pitch  = "-3%"
	Volume = "85"

	// PauseMarker follows every sentence-terminating period.
	PauseMarker = `<break time="300ms"/>`
)

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// Escape replaces the five XML-significant characters.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Document is humanized text ready to be rendered for a specific voice.
type Document struct {
	// Text is the original, unescaped input.
	Text string

	content string
	pauses  int
}

// Humanize escapes text and inserts a pause after each sentence-terminating
// period. A period terminates a sentence when it is followed by whitespace
// or the end of the text.
func Humanize(text string) Document {
	escaped := Escape(text)

	var b strings.Builder
	b.Grow(len(escaped) + 32)

	pauses := 0
	runes := []rune(escaped)
	for i, r := range runes {
		b.WriteRune(r)
		if r != '.' {
			continue
		}
		if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
			b.WriteString(PauseMarker)
			pauses++
		}
	}

	return Document{Text: text, content: b.String(), pauses: pauses}
}

// Content returns the escaped body including pause markers.
func (d Document) Content() string {
	return d.content
}

// Pauses returns the number of pause markers in the document.
func (d Document) Pauses() int {
	return d.pauses
}

// Render wraps the document for Azure Speech, which understands the mstts
// express-as extension.
func (d Document) Render(voiceName, language string) string {
	return fmt.Sprintf(
		`<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xmlns:mstts="https://www.w3.org/2001/mstts" xml:lang="%s">`+
			`<voice name="%s"><mstts:express-as style="%s"><prosody rate="%s" pitch="%s" volume="%s">%s</prosody></mstts:express-as></voice></speak>`,
		Escape(language), Escape(voiceName), Style, Rate, Pitch, Volume, d.content,
	)
}

// RenderStandard wraps the document in plain W3C SSML for engines without
// the mstts extension. Rate and volume are expressed in the standard units.
func (d Document) RenderStandard(language string) string {
	return fmt.Sprintf(
		`<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xml:lang="%s"><prosody rate="90%%" pitch="%s" volume="-1.5dB">%s</prosody></speak>`,
		Escape(language), Pitch, d.content,
	)
}
