package router

import (
	"regexp"
	"strings"

	"github.com/agentfabric/fabric/internal/queue"
	"gopkg.in/yaml.v3"
)

// Rule is one entry in a Router's ordered routing table. The first Rule
// whose Match predicate accepts a message chooses its target capability
// (or explicit target set); if none match, the Router falls back to all
// online agents.
type Rule struct {
	Name             string
	TargetCapability string
	TargetAgents     []string
	LoadBalance      bool
	PriorityBoost    queue.Priority

	match func(m *queue.Message) bool
}

// Matches reports whether m satisfies the rule's predicate.
func (r Rule) Matches(m *queue.Message) bool {
	if r.match == nil {
		return false
	}
	return r.match(m)
}

// keywordRule builds a Rule whose predicate accepts a message when its
// content contains any of the given (already-lowercased) keywords.
func keywordRule(name, targetCapability string, loadBalance bool, priorityBoost queue.Priority, keywords ...string) Rule {
	return Rule{
		Name:             name,
		TargetCapability: targetCapability,
		LoadBalance:      loadBalance,
		PriorityBoost:    priorityBoost,
		match: func(m *queue.Message) bool {
			content := strings.ToLower(string(m.Content))
			for _, kw := range keywords {
				if strings.Contains(content, kw) {
					return true
				}
			}
			return false
		},
	}
}

// DefaultRules returns the stock content-based routing table: urgent
// messages and critical-priority messages go to orchestration with a
// priority boost, everything else keys off a capability keyword.
func DefaultRules() []Rule {
	return []Rule{
		urgentRule(),
		keywordRule("quality_routing", "quality", true, "", "quality", "test"),
		keywordRule("orchestration_routing", "orchestration", false, "", "orchestrat", "coordinat"),
		keywordRule("documentation_routing", "documentation", false, "", "document", "readme"),
		keywordRule("integration_routing", "integration", false, "", "integrat", "deploy"),
		keywordRule("intelligence_routing", "intelligence", false, "", "intelligence", "analysis"),
	}
}

// urgentRule matches either CRITICAL priority or "urgent"/"critical"
// keywords in the content, boosting the message to CRITICAL and routing
// it to the orchestration capability.
func urgentRule() Rule {
	return Rule{
		Name:             "urgent_routing",
		TargetCapability: "orchestration",
		PriorityBoost:    queue.PriorityCritical,
		match: func(m *queue.Message) bool {
			if m.Priority == queue.PriorityCritical {
				return true
			}
			content := strings.ToLower(string(m.Content))
			return strings.Contains(content, "urgent") || strings.Contains(content, "critical")
		},
	}
}

// ruleDoc is the YAML-file shape for operator-defined rules; Pattern is
// compiled to a regular expression matched against the message content.
type ruleDoc struct {
	Name             string   `yaml:"name"`
	Pattern          string   `yaml:"pattern"`
	TargetCapability string   `yaml:"targetCapability"`
	TargetAgents     []string `yaml:"targetAgents"`
	LoadBalance      bool     `yaml:"loadBalance"`
	PriorityBoost    string   `yaml:"priorityBoost"`
}

// LoadRulesYAML parses a YAML document of operator-defined routing rules,
// compiling each Pattern as a case-insensitive regular expression matched
// against message content.
func LoadRulesYAML(data []byte) ([]Rule, error) {
	var docs []ruleDoc
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	rules := make([]Rule, 0, len(docs))
	for _, d := range docs {
		re, err := regexp.Compile("(?i)" + d.Pattern)
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{
			Name:             d.Name,
			TargetCapability: d.TargetCapability,
			TargetAgents:     d.TargetAgents,
			LoadBalance:      d.LoadBalance,
			PriorityBoost:    queue.Priority(d.PriorityBoost),
			match: func(m *queue.Message) bool {
				return re.MatchString(string(m.Content))
			},
		})
	}
	return rules, nil
}
