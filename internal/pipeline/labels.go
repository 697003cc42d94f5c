package pipeline

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/lifelog-backend/internal/platform/envutil"
)

// DefaultPrivacyLabels are the segmentation prompts whose masks get
// mosaiced out of every stored frame.
var DefaultPrivacyLabels = []string{
	"faces",
	"screens",
	"documents",
	"address text",
	"license plates",
	"signatures",
	"payment cards",
}

type labelsConfig struct {
	PrivacyLabels []string `yaml:"privacy_labels"`
}

// LoadPrivacyLabels reads the label set from the YAML file named by
// PRIVACY_LABELS_PATH. Absent or empty config falls back to the default
// set; a present but unreadable file is an error, silently redacting
// less than the operator asked for is not acceptable.
func LoadPrivacyLabels() ([]string, error) {
	path := strings.TrimSpace(envutil.Str("PRIVACY_LABELS_PATH", ""))
	if path == "" {
		return DefaultPrivacyLabels, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read privacy labels: %w", err)
	}
	var cfg labelsConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse privacy labels: %w", err)
	}
	out := make([]string, 0, len(cfg.PrivacyLabels))
	for _, l := range cfg.PrivacyLabels {
		if s := strings.TrimSpace(l); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return DefaultPrivacyLabels, nil
	}
	return out, nil
}
