package protocol

const (
	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"
	ContentTypeTool  = "TOOL"

	RoleSystem = "SYSTEM"
	RoleUser   = "USER"
	RoleTool   = "TOOL"

	MediaTypeTextPlain = "text/plain"
	MediaTypeJSON      = "application/json"
	MediaTypeLPCM      = "audio/lpcm"

	InputSampleRateHz  = 16000
	OutputSampleRateHz = 24000
)

type InferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

type SessionStart struct {
	InferenceConfiguration InferenceConfiguration `json:"inferenceConfiguration"`
}

type MediaTypeConfiguration struct {
	MediaType string `json:"mediaType"`
}

type AudioConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId,omitempty"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

type ToolInputSchema struct {
	JSON string `json:"json"`
}

type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

type ToolEntry struct {
	ToolSpec ToolSpec `json:"toolSpec"`
}

type ToolConfiguration struct {
	Tools []ToolEntry `json:"tools"`
}

type PromptStart struct {
	PromptName                 string                 `json:"promptName"`
	TextOutputConfiguration    MediaTypeConfiguration `json:"textOutputConfiguration"`
	AudioOutputConfiguration   AudioConfiguration     `json:"audioOutputConfiguration"`
	ToolUseOutputConfiguration MediaTypeConfiguration `json:"toolUseOutputConfiguration"`
	ToolConfiguration          *ToolConfiguration     `json:"toolConfiguration,omitempty"`
}

type ToolResultInputConfiguration struct {
	ToolUseID              string                 `json:"toolUseId"`
	Type                   string                 `json:"type"`
	TextInputConfiguration MediaTypeConfiguration `json:"textInputConfiguration"`
}

type ContentStart struct {
	PromptName                   string                        `json:"promptName"`
	ContentName                  string                        `json:"contentName"`
	Type                         string                        `json:"type"`
	Interactive                  bool                          `json:"interactive"`
	Role                         string                        `json:"role"`
	TextInputConfiguration       *MediaTypeConfiguration       `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration      *AudioConfiguration           `json:"audioInputConfiguration,omitempty"`
	ToolResultInputConfiguration *ToolResultInputConfiguration `json:"toolResultInputConfiguration,omitempty"`
}

// ContentInput is the body of textInput, audioInput and toolResult events.
type ContentInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type ContentEnd struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

type PromptEnd struct {
	PromptName string `json:"promptName"`
}

type SessionEnd struct{}

// AudioOutput is the upstream audioOutput payload; Content is base64 PCM16.
type AudioOutput struct {
	ContentID string `json:"contentId,omitempty"`
	Content   string `json:"content"`
}

type ToolUse struct {
	ToolName   string `json:"toolName"`
	ToolUseID  string `json:"toolUseId"`
	Content    string `json:"content"`
	ContentID  string `json:"contentId,omitempty"`
	PromptName string `json:"promptName,omitempty"`
}

type ErrorEvent struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type SessionReady struct {
	ChannelID    string `json:"channelId"`
	IsNewChannel bool   `json:"isNewChannel"`
}

type StreamComplete struct {
	Reason string `json:"reason,omitempty"`
}

// InputAudioConfiguration is the audio contentStart shape for PCM16 mono at
// the upstream input rate.
func InputAudioConfiguration() *AudioConfiguration {
	return &AudioConfiguration{
		MediaType:       MediaTypeLPCM,
		SampleRateHertz: InputSampleRateHz,
		SampleSizeBits:  16,
		ChannelCount:    1,
		Encoding:        "base64",
		AudioType:       "SPEECH",
	}
}

func OutputAudioConfiguration(voiceID string) AudioConfiguration {
	return AudioConfiguration{
		MediaType:       MediaTypeLPCM,
		SampleRateHertz: OutputSampleRateHz,
		SampleSizeBits:  16,
		ChannelCount:    1,
		VoiceID:         voiceID,
		Encoding:        "base64",
		AudioType:       "SPEECH",
	}
}
