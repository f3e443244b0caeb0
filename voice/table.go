package voice

// voices maps lowercase user-facing names to Azure neural voices.
var voices = map[string]string{
	// Spanish (Spain)
	"lola":     "es-ES-LolaMultilingualNeural",
	"elvira":   "es-ES-ElviraNeural",
	"alvaro":   "es-ES-AlvaroNeural",
	"dario":    "es-ES-DarioNeural",
	"isidora":  "es-ES-IsidoraMultilingualNeural",
	"ximena":   "es-ES-XimenaNeural",
	"arabella": "es-ES-ArabellaMultilingualNeural",
	"tristan":  "es-ES-TristanMultilingualNeural",

	// Spanish (Mexico)
	"dalia": "es-MX-DaliaNeural",
	"jorge": "es-MX-JorgeNeural",

	// English
	"jenny":  "en-US-JennyNeural",
	"guy":    "en-US-GuyNeural",
	"aria":   "en-US-AriaNeural",
	"ava":    "en-US-AvaMultilingualNeural",
	"andrew": "en-US-AndrewMultilingualNeural",
	"sonia":  "en-GB-SoniaNeural",
	"ryan":   "en-GB-RyanNeural",

	// French, German, Italian, Portuguese
	"denise":    "fr-FR-DeniseNeural",
	"henri":     "fr-FR-HenriNeural",
	"katja":     "de-DE-KatjaNeural",
	"conrad":    "de-DE-ConradNeural",
	"elsa":      "it-IT-ElsaNeural",
	"francisca": "pt-BR-FranciscaNeural",
	"antonio":   "pt-BR-AntonioNeural",
}

var languageDefaults = map[string]string{
	"es-ES": DefaultVoice,
	"es-MX": "es-MX-DaliaNeural",
	"en-US": "en-US-JennyNeural",
	"en-GB": "en-GB-SoniaNeural",
	"fr-FR": "fr-FR-DeniseNeural",
	"de-DE": "de-DE-KatjaNeural",
	"it-IT": "it-IT-ElsaNeural",
	"pt-BR": "pt-BR-FranciscaNeural",
}
