package gh

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ghHostsConfig represents the structure of ~/.config/gh/hosts.yml.
type ghHostsConfig map[string]ghHost

type ghHost struct {
	OAuthToken string `yaml:"oauth_token"`
	User       string `yaml:"user"`
}

// ResolveToken finds a GitHub token, trying in order: the explicit value
// (from config), the GITHUB_TOKEN environment variable, `gh auth token`
// (keyring storage), and ~/.config/gh/hosts.yml (older gh CLI format).
func ResolveToken(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return token, nil
	}

	if token, err := tokenFromGhCLI(); err == nil && token != "" {
		return token, nil
	}

	if token, err := tokenFromGhConfig(); err == nil && token != "" {
		return token, nil
	}

	return "", fmt.Errorf("no GitHub token found: set GITHUB_TOKEN, add token to the config file, or run 'gh auth login'")
}

// tokenFromGhCLI runs `gh auth token` to get the token from the gh CLI.
func tokenFromGhCLI() (string, error) {
	output, err := exec.Command("gh", "auth", "token").Output()
	if err != nil {
		return "", fmt.Errorf("gh auth token failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// tokenFromGhConfig reads the token from ~/.config/gh/hosts.yml.
func tokenFromGhConfig() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(homeDir, ".config", "gh", "hosts.yml"))
	if err != nil {
		return "", fmt.Errorf("failed to read gh config: %w", err)
	}

	var config ghHostsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return "", fmt.Errorf("failed to parse gh config: %w", err)
	}

	if host, ok := config["github.com"]; ok && host.OAuthToken != "" {
		return host.OAuthToken, nil
	}

	return "", fmt.Errorf("no oauth_token found in gh config")
}
