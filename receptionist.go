// Package receptionist implements the telephony core of a multi-tenant AI
// receptionist on top of Twilio Media Streams.
//
// The packages compose as follows:
//   - callsystem: inbound-call webhook returning <Connect><Stream> TwiML
//   - transport: Twilio Media Streams websocket protocol
//   - session: per-call turn-taking and greeting orchestration
//   - voice, ssml, tts: voice mapping, SSML humanizing and speech synthesis
//   - stt, agent: speech recognition and reply generation collaborators
//   - tenant: tenant configuration and transcript persistence
//
// # Environment Variables
//
//	TWILIO_ACCOUNT_SID  - Your Twilio Account SID
//	TWILIO_AUTH_TOKEN   - Your Twilio Auth Token
//	AZURE_SPEECH_KEY    - Azure Speech subscription key
//	AZURE_SPEECH_REGION - Azure Speech region (e.g. "westeurope")
//	DEEPGRAM_API_KEY    - Deepgram key for speech recognition
//	GEMINI_API_KEY      - Gemini key for reply generation
//	DATABASE_URL        - Postgres connection string for tenant configuration
//
// # Quick Start
//
//	go run ./cmd/receptionist
package receptionist

// Version is the service version.
const Version = "0.1.0"

// Twilio API constants.
const (
	// DefaultAPIBaseURL is the Twilio REST API base URL.
	DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

	// DefaultMediaStreamPath is the HTTP path Twilio connects its Media Stream to.
	DefaultMediaStreamPath = "/media-stream"
)

// Audio format constants for Media Streams.
const (
	// AudioEncodingMulaw is the μ-law encoding (8-bit, 8kHz).
	AudioEncodingMulaw = "audio/x-mulaw"

	// DefaultSampleRate is the default sample rate for Twilio audio (8kHz).
	DefaultSampleRate = 8000

	// FrameBytes is the size of one outbound 20ms mu-law frame.
	FrameBytes = DefaultSampleRate / 50
)

// Call status constants.
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)
