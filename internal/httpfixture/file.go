package httpfixture

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// fixtureFile is the on-disk YAML shape for rule-based fixtures:
//
//	fixtures:
//	  - request:
//	      method: GET
//	      url: https://inventory.internal/clusters
//	    response:
//	      status: 200
//	      headers:
//	        Content-Type: application/json
//	      body: '{"clusters": "east,west"}'
type fixtureFile struct {
	Fixtures []fixtureFileRule `yaml:"fixtures"`
}

type fixtureFileRule struct {
	Request  fixtureFileRequest  `yaml:"request"`
	Response fixtureFileResponse `yaml:"response"`
}

type fixtureFileRequest struct {
	Method  string            `yaml:"method"`
	URL     string            `yaml:"url"`
	URLType string            `yaml:"url_type"`
	Headers map[string]string `yaml:"headers"`
}

type fixtureFileResponse struct {
	Status  int               `yaml:"status"`
	Headers map[string]string `yaml:"headers"`
	Body    string            `yaml:"body"`
	DelayMS int               `yaml:"delay_ms"`
}

// LoadFixturesFromFile reads rule-based fixtures from a YAML file. Tests use
// it to keep canned responses next to the scenario instead of inline in code.
func LoadFixturesFromFile(path string) (*RuleBasedProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}
	return ParseFixtures(data)
}

// ParseFixtures builds a provider from YAML fixture rules.
func ParseFixtures(data []byte) (*RuleBasedProvider, error) {
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture file: %w", err)
	}
	if len(f.Fixtures) == 0 {
		return nil, fmt.Errorf("fixture file defines no fixtures")
	}

	rules := make([]HTTPFixtureRule, 0, len(f.Fixtures))
	for i, entry := range f.Fixtures {
		if entry.Request.URL == "" {
			return nil, fmt.Errorf("fixture %d: request url is required", i)
		}

		fixture := Fixture{
			StatusCode: entry.Response.Status,
			Headers:    entry.Response.Headers,
			Body:       entry.Response.Body,
		}
		if fixture.StatusCode == 0 {
			fixture.StatusCode = 200
		}
		if entry.Response.DelayMS > 0 {
			d := time.Duration(entry.Response.DelayMS) * time.Millisecond
			fixture.Delay = &d
		}

		rules = append(rules, HTTPFixtureRule{
			Request: FixtureRequest{
				Method:  entry.Request.Method,
				URL:     entry.Request.URL,
				URLType: entry.Request.URLType,
				Headers: entry.Request.Headers,
			},
			Response: fixture,
		})
	}

	return NewRuleBasedProvider(rules), nil
}
