package tts

import (
	"encoding/xml"
	"strings"
)

// SayVoice is a Twilio <Say> voice.
type SayVoice struct {
	ID       string
	Name     string
	Language string
	Gender   string
}

// SayElement represents a TwiML <Say> element.
type SayElement struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

// HangupElement represents a TwiML <Hangup> element.
type HangupElement struct {
	XMLName xml.Name `xml:"Hangup"`
}

// ResponseElement represents a TwiML <Response> element.
type ResponseElement struct {
	XMLName xml.Name `xml:"Response"`
	Say     *SayElement
	Hangup  *HangupElement
}

// SayTwiML returns TwiML that speaks text with Twilio's own TTS. It does not
// depend on any synthesis engine, so it is the last resort when they fail.
func SayTwiML(text, language string, hangup bool) string {
	v := SayVoiceFor(language)
	response := &ResponseElement{
		Say: &SayElement{
			Voice:    v.ID,
			Language: v.Language,
			Text:     text,
		},
	}
	if hangup {
		response.Hangup = &HangupElement{}
	}

	return marshalTwiML(response)
}

// hangupTwiML is returned when a document cannot be encoded.
const hangupTwiML = `<Response><Hangup/></Response>`

func marshalTwiML(v any) string {
	xmlBytes, err := xml.MarshalIndent(v, "", "    ")
	if err != nil {
		return hangupTwiML
	}
	return xml.Header + string(xmlBytes)
}

// SayVoiceFor picks a <Say> voice for language, preferring an exact match,
// then one with the same base language, then "alice".
func SayVoiceFor(language string) SayVoice {
	var sameBase *SayVoice
	base := strings.SplitN(language, "-", 2)[0]
	for i, v := range sayVoices {
		if strings.EqualFold(v.Language, language) {
			return v
		}
		if sameBase == nil && strings.EqualFold(strings.SplitN(v.Language, "-", 2)[0], base) {
			sameBase = &sayVoices[i]
		}
	}
	if sameBase != nil {
		return *sameBase
	}
	return sayVoices[0]
}

var sayVoices = []SayVoice{
	{ID: "alice", Name: "Alice", Language: "en-US", Gender: "female"},

	{ID: "Polly.Joanna", Name: "Joanna (Polly)", Language: "en-US", Gender: "female"},
	{ID: "Polly.Amy", Name: "Amy (Polly)", Language: "en-GB", Gender: "female"},

	// Spanish voices
	{ID: "Polly.Lucia", Name: "Lucia (Polly)", Language: "es-ES", Gender: "female"},
	{ID: "Polly.Mia", Name: "Mia (Polly)", Language: "es-MX", Gender: "female"},
	{ID: "Polly.Penelope", Name: "Penelope (Polly)", Language: "es-US", Gender: "female"},

	// French voices
	{ID: "Polly.Celine", Name: "Celine (Polly)", Language: "fr-FR", Gender: "female"},

	// German voices
	{ID: "Polly.Marlene", Name: "Marlene (Polly)", Language: "de-DE", Gender: "female"},

	// Italian and Portuguese voices
	{ID: "Polly.Carla", Name: "Carla (Polly)", Language: "it-IT", Gender: "female"},
	{ID: "Polly.Camila", Name: "Camila (Polly)", Language: "pt-BR", Gender: "female"},
}
