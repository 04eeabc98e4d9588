// Package config loads the conductor's process-wide configuration: env
// vars first, then flag overrides, exactly the BindFlags-over-getEnv
// idiom of the teacher's internal/config/server.go. An optional YAML
// pipeline file (spec's Non-goals exclude persistence across restarts,
// not describing the pipeline once at startup) supplies the ordered
// component list when one isn't assembled programmatically.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ComponentSpec describes how to launch one pipeline component: either a
// local subprocess (Cmd/Args) or a remote socket peer (URL).
type ComponentSpec struct {
	Name string   `yaml:"name"`
	Cmd  string   `yaml:"cmd,omitempty"`
	Args []string `yaml:"args,omitempty"`
	URL  string   `yaml:"url,omitempty"`
}

// PipelineFile is the shape of the optional --pipeline-file YAML
// document: the client-facing component, an ordered list of proxies,
// then the agent.
type PipelineFile struct {
	Client  ComponentSpec   `yaml:"client"`
	Proxies []ComponentSpec `yaml:"proxies,omitempty"`
	Agent   ComponentSpec   `yaml:"agent"`
}

// ConductorConfig holds the conductor's process-wide settings.
type ConductorConfig struct {
	LogLevel string

	MetricsAddr string
	Addr        string

	MCPCallTimeout        time.Duration
	BridgePortMin         int
	BridgePortMax         int
	MaxInFlightPerSession int

	PipelineFile string
	Pipeline     *PipelineFile
}

// BindFlags populates the struct with defaults from environment
// variables and binds command line flags so main can call flag.Parse().
func (c *ConductorConfig) BindFlags() {
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.Addr = getEnv("ADDR", ":8090")
	c.MetricsAddr = getEnv("METRICS_ADDR", c.Addr)
	timeout, _ := time.ParseDuration(getEnv("MCP_CALL_TIMEOUT", "30s"))
	c.MCPCallTimeout = timeout
	c.BridgePortMin, _ = strconv.Atoi(getEnv("BRIDGE_PORT_MIN", "0"))
	c.BridgePortMax, _ = strconv.Atoi(getEnv("BRIDGE_PORT_MAX", "0"))
	c.MaxInFlightPerSession, _ = strconv.Atoi(getEnv("MAX_INFLIGHT_PER_SESSION", "1"))
	c.PipelineFile = getEnv("PIPELINE_FILE", "")

	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: trace|debug|info|warn|error|fatal|panic|none")
	flag.StringVar(&c.Addr, "addr", c.Addr, "unused placeholder listen address, kept for parity with the teacher's HTTP-serving main")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus metrics listen address; defaults to --addr, which disables the separate metrics listener")
	flag.DurationVar(&c.MCPCallTimeout, "mcp-call-timeout", c.MCPCallTimeout, "parsed but not applied: tools/call invocations run without a timeout")
	flag.IntVar(&c.BridgePortMin, "bridge-port-min", c.BridgePortMin, "parsed but not applied: bridge listeners always bind an OS-chosen port on 127.0.0.1")
	flag.IntVar(&c.BridgePortMax, "bridge-port-max", c.BridgePortMax, "parsed but not applied: bridge listeners always bind an OS-chosen port on 127.0.0.1")
	flag.IntVar(&c.MaxInFlightPerSession, "max-inflight-per-session", c.MaxInFlightPerSession, "maximum concurrent bridge requests per BridgeConnection")
	flag.StringVar(&c.PipelineFile, "pipeline-file", c.PipelineFile, "path to a YAML file describing the pipeline's client/proxies/agent components")
}

// LoadFile reads the --pipeline-file YAML document, when one is set, and
// stores the result on c.Pipeline.
func (c *ConductorConfig) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var pf PipelineFile
	if err := yaml.Unmarshal(b, &pf); err != nil {
		return fmt.Errorf("parse pipeline file %q: %w", path, err)
	}
	if pf.Client.Cmd == "" && pf.Client.URL == "" {
		return fmt.Errorf("pipeline file %q: client component is missing cmd/url", path)
	}
	if pf.Agent.Cmd == "" && pf.Agent.URL == "" {
		return fmt.Errorf("pipeline file %q: agent component is missing cmd/url", path)
	}
	c.Pipeline = &pf
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
