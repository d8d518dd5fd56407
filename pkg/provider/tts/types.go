package tts

// VoiceProfile describes the voice used for synthesis.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (an ElevenLabs voice ID or
	// an Azure voice name such as "en-US-AvaMultilingualNeural").
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the BCP-47 locale of the voice, used where the provider
	// needs one (SSML xml:lang).
	Language string

	// SpeedFactor adjusts speaking rate; 0 or 1 means provider default.
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}
