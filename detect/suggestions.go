package detect

import "strings"

// Suggestions is the human-readable summary returned by the detection
// endpoints.
type Suggestions struct {
	Detected        string   `json:"detected"`
	DeploymentType  string   `json:"deploymentType"`
	Runtime         string   `json:"runtime"`
	Recommendations []string `json:"recommendations"`
}

// Suggest renders a detection result into plain recommendations.
func Suggest(result Result) Suggestions {
	suggestions := Suggestions{
		Detected: result.Framework + " application",
		Runtime:  titleCase(string(result.Runtime)),
	}

	if result.Type == "static" {
		suggestions.DeploymentType = "Static Site"
		suggestions.Recommendations = []string{
			"Build: " + result.Config.BuildCommand,
			"Publish: " + result.Config.PublishDir,
		}
	} else {
		suggestions.DeploymentType = "Web Service"
		suggestions.Recommendations = []string{
			"Start: " + result.Config.StartCommand,
			"Port: " + result.Config.Port,
		}
	}

	return suggestions
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
