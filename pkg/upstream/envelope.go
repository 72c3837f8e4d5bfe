package upstream

// Envelope is the JSON body sent to the ChatOn streaming endpoint. It is
// distinct from the inbound OpenAI-compatible request.
type Envelope struct {
	FunctionImageGen  bool      `json:"function_image_gen"`
	FunctionWebSearch bool      `json:"function_web_search"`
	ImageAspectRatio  string    `json:"image_aspect_ratio,omitempty"`
	ImageStyle        string    `json:"image_style,omitempty"`
	MaxTokens         int       `json:"max_tokens"`
	Messages          []Message `json:"messages"`
	Model             string    `json:"model"`
	Source            string    `json:"source"`
	Temperature       *float64  `json:"temperature,omitempty"`
	TopP              *float64  `json:"top_p,omitempty"`
}

// Message is one flattened chat message of the outbound envelope. Content is
// always plain text; attached images ride in a separate field.
type Message struct {
	Role    string      `json:"role"`
	Content string      `json:"content"`
	Images  []ImageData `json:"images,omitempty"`
}

type ImageData struct {
	Data string `json:"data"`
}

// Source tags understood by the upstream.
const (
	SourceFree        = "chat/free"
	SourcePro         = "chat/pro"
	SourceImageUpload = "chat/image_upload"
	SourceProImage    = "chat/pro_image"
)
