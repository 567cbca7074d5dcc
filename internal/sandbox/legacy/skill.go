// Package legacy parses skill manifests (SKILL.md) in the pre-wasm format:
// YAML frontmatter plus a markdown instructions body, with a couple of
// fallback stages for older, frontmatter-less manifests. It predates the
// wazero-backed sandbox in internal/sandbox/wasm and is kept solely as the
// manifest parser the skill loader and installer still depend on.
package legacy

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is a parsed SKILL.md manifest.
type Skill struct {
	// Required (Agent Skills spec).
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Optional (Agent Skills spec).
	License       string         `yaml:"license,omitempty"`
	Compatibility string         `yaml:"compatibility,omitempty"`
	AllowedTools  string         `yaml:"allowed-tools,omitempty"`
	Metadata      map[string]any `yaml:"metadata,omitempty"`

	// V1 compat (top-level shorthand for a bundled runnable script).
	Bins   []string `yaml:"bins,omitempty"`
	Script string   `yaml:"script,omitempty"`

	// Parsed from the markdown body, not the YAML frontmatter.
	Instructions string `yaml:"-"`

	// Resolved at load time.
	SourceDir string `yaml:"-"`
	Source    string `yaml:"-"` // "project", "user", "github", "builtin"
}

// ParseSkillMD parses a SKILL.md file's bytes into a Skill. It tries, in
// order: canonical YAML-frontmatter + markdown body, then a bare V1 YAML
// document, then a regex-based markdown fallback that pulls name/description
// fields and a fenced script block.
func ParseSkillMD(data []byte) (Skill, error) {
	yamlBytes, markdownBody, err := extractFrontmatter(data)
	if err != nil {
		return Skill{}, err
	}

	if len(yamlBytes) > 0 {
		var skill Skill
		if err := yaml.Unmarshal(yamlBytes, &skill); err != nil {
			return Skill{}, fmt.Errorf("parse frontmatter yaml: %w", err)
		}
		skill.Name = strings.TrimSpace(skill.Name)
		skill.Description = strings.TrimSpace(skill.Description)
		skill.Script = strings.TrimSpace(skill.Script)
		skill.Instructions = strings.TrimSpace(markdownBody)
		fillBinsFromMetadata(&skill)
		if skill.Name == "" {
			return Skill{}, fmt.Errorf("missing skill name")
		}
		return skill, nil
	}

	var skill Skill
	if err := yaml.Unmarshal(data, &skill); err == nil && strings.TrimSpace(skill.Name) != "" {
		skill.Name = strings.TrimSpace(skill.Name)
		skill.Description = strings.TrimSpace(skill.Description)
		skill.Script = strings.TrimSpace(skill.Script)
		fillBinsFromMetadata(&skill)
		return skill, nil
	}

	skill = Skill{}
	text := string(data)
	nameRe := regexp.MustCompile(`(?m)^name:\s*(.+)\s*$`)
	descRe := regexp.MustCompile(`(?m)^description:\s*(.+)\s*$`)
	if m := nameRe.FindStringSubmatch(text); len(m) == 2 {
		skill.Name = strings.TrimSpace(m[1])
	}
	if m := descRe.FindStringSubmatch(text); len(m) == 2 {
		skill.Description = strings.TrimSpace(m[1])
	}

	script, err := extractFencedScript(text)
	if err != nil {
		return Skill{}, err
	}
	skill.Script = script
	if skill.Name == "" {
		return Skill{}, fmt.Errorf("missing skill name")
	}
	return skill, nil
}

// extractFrontmatter splits a leading `---`-delimited YAML block from the
// rest of the document. It returns (nil, data, nil) when no frontmatter
// block is present at all, and an error when a block is opened but never
// closed.
func extractFrontmatter(data []byte) (yamlBytes []byte, markdownBody string, err error) {
	s := string(data)
	if s == "" {
		return nil, "", nil
	}

	firstLineEnd := strings.IndexByte(s, '\n')
	firstLine := s
	restStart := len(s)
	if firstLineEnd >= 0 {
		firstLine = s[:firstLineEnd]
		restStart = firstLineEnd + 1
	}
	firstLine = strings.TrimSpace(strings.TrimSuffix(firstLine, "\r"))
	if firstLine != "---" {
		return nil, "", nil
	}

	i := restStart
	for i <= len(s) {
		nextNL := strings.IndexByte(s[i:], '\n')
		line := ""
		next := len(s)
		if nextNL >= 0 {
			line = s[i : i+nextNL]
			next = i + nextNL + 1
		} else {
			line = s[i:]
		}
		trimmed := strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if trimmed == "---" {
			return []byte(s[restStart:i]), s[next:], nil
		}
		if next == len(s) {
			break
		}
		i = next
	}

	return nil, "", fmt.Errorf("unclosed frontmatter: opening --- found but no closing ---")
}

// fillBinsFromMetadata back-fills Bins from metadata.substrate.requires.bins
// when the top-level shorthand wasn't used.
func fillBinsFromMetadata(skill *Skill) {
	if skill == nil || len(skill.Bins) > 0 || len(skill.Metadata) == 0 {
		return
	}

	root, ok := skill.Metadata["substrate"].(map[string]any)
	if !ok {
		return
	}
	requires, ok := root["requires"].(map[string]any)
	if !ok {
		return
	}
	raw, ok := requires["bins"]
	if !ok || raw == nil {
		return
	}

	var bins []string
	switch v := raw.(type) {
	case []string:
		bins = append(bins, v...)
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				bins = append(bins, trimmed)
			}
		}
	}
	if len(bins) > 0 {
		skill.Bins = bins
	}
}

func extractFencedScript(text string) (string, error) {
	re := regexp.MustCompile("(?s)```\\w*\\s*(.*?)```")
	m := re.FindStringSubmatch(text)
	if len(m) != 2 {
		return "", fmt.Errorf("missing script section")
	}
	return strings.TrimSpace(m[1]), nil
}
