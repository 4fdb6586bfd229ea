package tracker

import (
	"fmt"
	"strings"
)

// State is a build session's position in the deployment pipeline. States
// only ever move forward.
type State int

const (
	Pending State = iota
	Cloning
	InstallingDeps
	BuildingImage
	StartingContainer
	Complete
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Cloning:
		return "cloning"
	case InstallingDeps:
		return "installing_deps"
	case BuildingImage:
		return "building_image"
	case StartingContainer:
		return "starting_container"
	case Complete:
		return "complete"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func ParseState(raw string) (State, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for s := Pending; s <= Complete; s++ {
		if s.String() == normalized {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown build state %q", raw)
}

// CompletionLine is the last line published for every finished build.
const CompletionLine = "✅ Deployment complete"

// line is what entering s publishes to the session's subject.
func line(s State, spec Spec) string {
	switch s {
	case Cloning:
		if spec.GitURL != "" {
			return fmt.Sprintf("📥 Cloning %s...", spec.GitURL)
		}
		return "📥 Cloning repository..."
	case InstallingDeps:
		return "📦 Installing dependencies..."
	case BuildingImage:
		return "🐳 Building container image..."
	case StartingContainer:
		return "🚀 Starting container..."
	case Complete:
		return CompletionLine
	}
	return ""
}
