package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nebolabs/nebo/internal/agent/skills"
)

// InstallSkillTool implements the canonical installSkill tool: it validates
// and writes a SKILL.md to the user skills directory, where it becomes
// available for future agent loop runs to discover and load into the
// system prompt.
type InstallSkillTool struct {
	skillsDir string
}

func NewInstallSkillTool(skillsDir string) *InstallSkillTool {
	return &InstallSkillTool{skillsDir: skillsDir}
}

func (t *InstallSkillTool) Name() string { return "installSkill" }

func (t *InstallSkillTool) Description() string {
	return "Install a skill by writing a SKILL.md file (with YAML frontmatter) to the skills directory. The skill becomes available for future agent runs."
}

func (t *InstallSkillTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Other", ConcurrentSafe: false, IsFileOp: true}
}

func (t *InstallSkillTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "Full SKILL.md content with YAML frontmatter"}
		},
		"required": ["content"]
	}`)
}

type installSkillInput struct {
	Content string `json:"content"`
}

func (t *InstallSkillTool) RequiresApproval() bool { return true }

func (t *InstallSkillTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in installSkillInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if t.skillsDir == "" {
		return &ToolResult{Content: "Skill installation not available (no skills directory configured).", IsError: true}, nil
	}
	if in.Content == "" {
		return &ToolResult{Content: "content is required. Provide valid SKILL.md content with YAML frontmatter.", IsError: true}, nil
	}

	parsed, err := skills.ParseSkillMD([]byte(in.Content))
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Invalid SKILL.md content: %v", err), IsError: true}, nil
	}
	if err := parsed.Validate(); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Validation failed: %v", err), IsError: true}, nil
	}

	slug := Slugify(parsed.Name)
	if slug == "" {
		return &ToolResult{Content: "Could not derive a valid slug from the skill name.", IsError: true}, nil
	}

	skillDir := filepath.Join(t.skillsDir, slug)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Failed to create skill directory: %v", err), IsError: true}, nil
	}
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(in.Content), 0o644); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Failed to write SKILL.md: %v", err), IsError: true}, nil
	}

	return &ToolResult{Content: fmt.Sprintf("Skill %q installed at %s.", parsed.Name, skillDir)}, nil
}

// slugRe matches characters not permitted in a slug.
var slugRe = regexp.MustCompile(`[^a-z0-9-]`)

// Slugify converts a name to a URL-safe slug.
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	s = slugRe.ReplaceAllString(s, "")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}
