package config

import (
	"net/url"
	"time"
)

// Snapshot is the hot-reloadable part of Config as it is written to the
// audit ledger. Endpoint URLs are cut down to scheme and host and webhook
// URLs to whether they are set, since both commonly embed credentials.
type Snapshot struct {
	RPC        RPCSnapshot      `json:"rpc"`
	Verify     VerifyConfig     `json:"verify"`
	Confidence ConfidenceConfig `json:"confidence"`
	Fx         FxConfig         `json:"fx"`
	RulesFile  string           `json:"rules_file"`
	Gap        GapConfig        `json:"gap"`
	Alerts     map[string]bool  `json:"alerts"`
}

type RPCSnapshot struct {
	Strategy   string             `json:"strategy"`
	RetryCount int                `json:"retry_count"`
	Timeout    time.Duration      `json:"timeout"`
	Endpoints  []EndpointSnapshot `json:"endpoints"`
}

type EndpointSnapshot struct {
	Name     string  `json:"name"`
	Host     string  `json:"host"`
	Priority int     `json:"priority"`
	RPS      float64 `json:"rps"`
	Burst    int     `json:"burst"`
}

func (c *Config) Snapshot() Snapshot {
	var s Snapshot
	s.RPC.Strategy = string(c.RPC.Strategy)
	s.RPC.RetryCount = c.RPC.RetryCount
	s.RPC.Timeout = c.RPC.Timeout
	for _, e := range c.RPC.Endpoints {
		s.RPC.Endpoints = append(s.RPC.Endpoints, EndpointSnapshot{
			Name:     e.Name,
			Host:     hostOnly(e.URL),
			Priority: e.Priority,
			RPS:      e.RPS,
			Burst:    e.Burst,
		})
	}
	s.Verify = c.Verify
	s.Confidence = c.Confidence
	s.Fx = c.Fx
	s.RulesFile = c.Rules.File
	s.Gap = c.Gap
	s.Alerts = map[string]bool{
		"slack":   c.Alert.SlackWebhookURL != "",
		"webhook": c.Alert.WebhookURL != "",
	}
	return s
}

func hostOnly(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Scheme + "://" + u.Host
}
