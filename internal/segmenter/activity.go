package segmenter

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/lifelog-backend/internal/platform/envutil"
)

// ActivityCategory places one activity label on the day timeline.
type ActivityCategory struct {
	Group string `yaml:"group" json:"group"`
	Color string `yaml:"color" json:"color"`
}

// DefaultActivityCategories is the built-in timeline palette, used when no
// category file is configured.
var DefaultActivityCategories = map[string]ActivityCategory{
	"commuting":   {Group: "transit", Color: "#7a9e9f"},
	"cooking":     {Group: "home", Color: "#e0a458"},
	"eating":      {Group: "home", Color: "#d08c60"},
	"working":     {Group: "work", Color: "#4f6d7a"},
	"meeting":     {Group: "work", Color: "#5c7b8a"},
	"exercising":  {Group: "health", Color: "#6a994e"},
	"walking":     {Group: "outdoors", Color: "#87a878"},
	"shopping":    {Group: "errands", Color: "#b08ea2"},
	"socializing": {Group: "social", Color: "#c97c5d"},
	"relaxing":    {Group: "home", Color: "#9c89b8"},
}

// LoadActivityCategories reads the activity → group/color table from
// ACTIVITY_CATEGORIES_PATH. A configured but unreadable file is an error;
// an empty or missing setting falls back to the built-in table.
func LoadActivityCategories() (map[string]ActivityCategory, error) {
	path := strings.TrimSpace(envutil.Str("ACTIVITY_CATEGORIES_PATH", ""))
	if path == "" {
		return DefaultActivityCategories, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read activity categories %s: %w", path, err)
	}
	var out map[string]ActivityCategory
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse activity categories %s: %w", path, err)
	}
	if len(out) == 0 {
		return DefaultActivityCategories, nil
	}
	return out, nil
}
