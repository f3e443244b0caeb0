package session

import (
	"strconv"
	"strings"

	"github.com/agentplexus/receptionist/voice"
)

// Stream parameter names carried in <Parameter> elements.
const (
	ParamTenantID        = "tenantId"
	ParamGreetingText    = "greetingText"
	ParamVoiceID         = "voiceId"
	ParamLanguage        = "language"
	ParamRecordCalls     = "recordCalls"
	ParamTranscribeCalls = "transcribeCalls"
)

// TenantParams is the tenant configuration a call carries into its media
// stream. It is built once at start and not changed afterwards.
type TenantParams struct {
	TenantID        string
	GreetingText    string
	VoiceID         string
	Language        string
	RecordCalls     bool
	TranscribeCalls bool
}

// Param is one named stream parameter.
type Param struct {
	Name  string
	Value string
}

// ParseTenantParams reads the start event's custom parameters. Missing
// language defaults to voice.DefaultLanguage; unparsable flags are false.
func ParseTenantParams(custom map[string]string) TenantParams {
	get := func(name string) string {
		return strings.TrimSpace(custom[name])
	}
	p := TenantParams{
		TenantID:        get(ParamTenantID),
		GreetingText:    get(ParamGreetingText),
		VoiceID:         get(ParamVoiceID),
		Language:        get(ParamLanguage),
		RecordCalls:     parseBool(get(ParamRecordCalls)),
		TranscribeCalls: parseBool(get(ParamTranscribeCalls)),
	}
	if p.Language == "" {
		p.Language = voice.DefaultLanguage
	}
	return p
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

// Encode returns the parameters in the order they are written to TwiML.
func (p TenantParams) Encode() []Param {
	return []Param{
		{Name: ParamTenantID, Value: p.TenantID},
		{Name: ParamGreetingText, Value: p.GreetingText},
		{Name: ParamVoiceID, Value: p.VoiceID},
		{Name: ParamLanguage, Value: p.Language},
		{Name: ParamRecordCalls, Value: strconv.FormatBool(p.RecordCalls)},
		{Name: ParamTranscribeCalls, Value: strconv.FormatBool(p.TranscribeCalls)},
	}
}
