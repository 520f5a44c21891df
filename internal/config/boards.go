package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caretrace/provider-validator/internal/domain"
)

//go:embed boards.yaml
var defaultBoardsYAML []byte

// BoardConfig parameterizes the license-board adapter for one state so a
// single adapter body services every board without per-state branches.
type BoardConfig struct {
	StateCode    string `yaml:"state_code"`
	BaseURL      string `yaml:"base_url"`
	SearchURL    string `yaml:"search_url"`
	SearchMethod string `yaml:"search_method"`
	// Selectors maps result fields to CSS selectors on the result page.
	// Known keys: provider_name, status, issue_date, expiry_date,
	// specialty, board_actions.
	Selectors map[string]string `yaml:"selectors"`
	// RobotsCheckSelectors match anti-bot interstitials; a hit means the
	// page is a block page, not a result page.
	RobotsCheckSelectors []string      `yaml:"robots_check_selectors"`
	RateLimitDelay       time.Duration `yaml:"rate_limit_delay"`
	MaxRetries           int           `yaml:"max_retries"`
	Timeout              time.Duration `yaml:"timeout"`
	UserAgent            string        `yaml:"user_agent"`
}

type boardsFile struct {
	Boards []BoardConfig `yaml:"boards"`
}

// LoadBoards reads per-state board configs from path, or the embedded
// default set when path is empty. Keys of the returned map are uppercase
// state codes.
func LoadBoards(path string) (map[string]BoardConfig, error) {
	raw := defaultBoardsYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("op=config.LoadBoards: %w", err)
		}
		raw = b
	}
	var f boardsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("op=config.LoadBoards: %w: %w", domain.ErrSchemaInvalid, err)
	}
	out := make(map[string]BoardConfig, len(f.Boards))
	for _, b := range f.Boards {
		if b.StateCode == "" || b.SearchURL == "" {
			return nil, fmt.Errorf("op=config.LoadBoards: %w: board entry missing state_code or search_url", domain.ErrSchemaInvalid)
		}
		if b.SearchMethod == "" {
			b.SearchMethod = "GET"
		}
		out[b.StateCode] = b
	}
	return out, nil
}
