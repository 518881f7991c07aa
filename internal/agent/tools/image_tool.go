package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ImageGenConfig supplies the imageGeneration tool's dependencies: the model
// id comes from the model_type_image_generator setting, the API key from the
// credential store.
type ImageGenConfig struct {
	// Credentials returns (apiKey, model). An empty apiKey disables the tool.
	Credentials func() (apiKey, model string)
	// OutputDir is where generated images are written.
	OutputDir string
	// Client is the shared HTTP client; http.DefaultClient when nil.
	Client *http.Client
}

// ImageGenerationTool implements the canonical imageGeneration tool against
// the OpenAI images endpoint.
type ImageGenerationTool struct {
	cfg ImageGenConfig
}

func NewImageGenerationTool(cfg ImageGenConfig) *ImageGenerationTool {
	return &ImageGenerationTool{cfg: cfg}
}

func (t *ImageGenerationTool) Name() string { return "imageGeneration" }

func (t *ImageGenerationTool) Description() string {
	return "Generate an image from a text prompt and save it to disk. Returns the saved file path."
}

func (t *ImageGenerationTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Other", ConcurrentSafe: true, RenderUI: true}
}

func (t *ImageGenerationTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "Text description of the image"},
			"size": {"type": "string", "enum": ["1024x1024", "1536x1024", "1024x1536"], "description": "Output size (default 1024x1024)"}
		},
		"required": ["prompt"]
	}`)
}

func (t *ImageGenerationTool) RequiresApproval() bool { return false }

type imageGenInput struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
}

func (t *ImageGenerationTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in imageGenInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Prompt == "" {
		return &ToolResult{Content: "Error: prompt is required", IsError: true}, nil
	}
	if t.cfg.Credentials == nil {
		return &ToolResult{Content: "Image generation is not configured.", IsError: true}, nil
	}
	apiKey, model := t.cfg.Credentials()
	if apiKey == "" {
		return &ToolResult{Content: "Image generation is not configured (no API key).", IsError: true}, nil
	}
	if model == "" {
		model = "gpt-image-1"
	}
	size := in.Size
	if size == "" {
		size = "1024x1024"
	}

	body, _ := json.Marshal(map[string]any{
		"model":  model,
		"prompt": in.Prompt,
		"size":   size,
		"n":      1,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	client := t.cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Image generation request failed: %v", err), IsError: true}, nil
	}
	defer resp.Body.Close()

	var parsed struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Could not parse image response: %v", err), IsError: true}, nil
	}
	if resp.StatusCode >= 400 {
		msg := resp.Status
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return &ToolResult{Content: fmt.Sprintf("Image generation failed: %s", msg), IsError: true}, nil
	}
	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return &ToolResult{Content: "Image generation returned no image data.", IsError: true}, nil
	}

	raw, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Could not decode image data: %v", err), IsError: true}, nil
	}

	outDir := t.cfg.OutputDir
	if outDir == "" {
		outDir = os.TempDir()
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(outDir, fmt.Sprintf("image-%d.png", time.Now().UnixMilli()))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, err
	}
	return &ToolResult{Content: fmt.Sprintf("Image saved to %s", path)}, nil
}
