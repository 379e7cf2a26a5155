// Package prompts loads versioned prompt templates. Templates are markdown
// files with optional YAML frontmatter; the registry records each distinct
// body as a numbered version so provenance can name exactly what ran.
package prompts

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"redub/internal/hashing"
)

// Metadata is the YAML frontmatter of a template.
type Metadata struct {
	Name        string         `yaml:"name"`
	Model       string         `yaml:"model"`
	ModelParams map[string]any `yaml:"model_params"`
}

const frontmatterDelimiter = "---"

// SplitFrontmatter separates an optional leading frontmatter block from the
// body. Content without a valid block comes back with an empty frontmatter
// and the body untouched.
func SplitFrontmatter(content string) (frontmatter, body string) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(normalized, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != frontmatterDelimiter {
		return "", content
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != frontmatterDelimiter {
			continue
		}
		frontmatter = strings.Join(lines[1:i], "\n")
		body = strings.Join(lines[i+1:], "\n")
		return frontmatter, body
	}
	return "", content
}

// ParseTemplate parses raw template content into metadata and body.
func ParseTemplate(content []byte) (Metadata, string, error) {
	frontmatter, body := SplitFrontmatter(string(content))
	meta := Metadata{}
	if frontmatter != "" {
		if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
			return Metadata{}, "", fmt.Errorf("parse template frontmatter: %w", err)
		}
	}
	return meta, strings.TrimSpace(body), nil
}

// LoadTemplate reads and parses a template file.
func LoadTemplate(path string) (Metadata, string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, "", fmt.Errorf("read template: %w", err)
	}
	meta, body, err := ParseTemplate(content)
	if err != nil {
		return Metadata{}, "", fmt.Errorf("%s: %w", path, err)
	}
	return meta, body, nil
}

// ComputeHash returns the version hash for template content. Frontmatter is
// stripped first so metadata-only edits do not mint new versions; calling it
// on an already stripped body yields the same digest.
func ComputeHash(content string) string {
	_, body := SplitFrontmatter(content)
	return hashing.Text(strings.TrimSpace(body))
}

// Render substitutes {{key}} placeholders in a template body. Unknown
// placeholders stay put so a template typo is visible in the rendered prompt.
func Render(body string, vars map[string]string) string {
	if len(vars) == 0 {
		return body
	}
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "{{"+key+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}
