// Package config loads the environment-driven configuration described in
// §6. No third-party env-binding library is wired here — none of the
// retrieved reference repositories pull one in for flat environment
// variables (the closest pattern, the S3-filesystem repo's internal/config,
// parses a hierarchical YAML file instead), so this is the one ambient
// concern left on the standard library; see DESIGN.md.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults from §4.2.5.
const (
	DefaultProposalTimeout = 60 * time.Second
	DefaultVoteTimeout     = 10 * time.Second
	DefaultRecoveryRetry   = 30 * time.Second
)

// Config is the parsed, validated process configuration.
type Config struct {
	NodeID            string
	KnownNodes        []string
	TransportEndpoint string
	LogLevel          string

	ProposalTimeout time.Duration
	VoteTimeout     time.Duration
	RecoveryRetry   time.Duration
}

// Load reads NODE_ID, KNOWN_NODES, TRANSPORT_ENDPOINT, LOG_LEVEL, and the
// optional *_MS timeout overrides from the environment.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

// load is the injectable core of Load, split out so tests can supply a fake
// environment without touching process-global state.
func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		ProposalTimeout: DefaultProposalTimeout,
		VoteTimeout:     DefaultVoteTimeout,
		RecoveryRetry:   DefaultRecoveryRetry,
		LogLevel:        "INFO",
	}

	nodeID, ok := lookup("NODE_ID")
	if !ok || nodeID == "" {
		return Config{}, fmt.Errorf("config: NODE_ID is required")
	}
	cfg.NodeID = nodeID

	knownRaw, ok := lookup("KNOWN_NODES")
	if !ok || knownRaw == "" {
		return Config{}, fmt.Errorf("config: KNOWN_NODES is required")
	}
	nodes, err := parseKnownNodes(knownRaw, nodeID)
	if err != nil {
		return Config{}, err
	}
	cfg.KnownNodes = nodes

	if endpoint, ok := lookup("TRANSPORT_ENDPOINT"); ok {
		cfg.TransportEndpoint = endpoint
	}

	if level, ok := lookup("LOG_LEVEL"); ok && level != "" {
		if !validLogLevel(level) {
			return Config{}, fmt.Errorf("config: invalid LOG_LEVEL %q", level)
		}
		cfg.LogLevel = level
	}

	if err := overrideDuration(lookup, "PROPOSAL_TIMEOUT_MS", &cfg.ProposalTimeout); err != nil {
		return Config{}, err
	}
	if err := overrideDuration(lookup, "VOTE_TIMEOUT_MS", &cfg.VoteTimeout); err != nil {
		return Config{}, err
	}
	if err := overrideDuration(lookup, "RECOVERY_RETRY_MS", &cfg.RecoveryRetry); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func parseKnownNodes(raw, self string) ([]string, error) {
	parts := strings.Split(raw, ",")
	nodes := make([]string, 0, len(parts))
	sawSelf := false
	for _, p := range parts {
		id := strings.TrimSpace(p)
		if id == "" {
			continue
		}
		if id == self {
			sawSelf = true
		}
		nodes = append(nodes, id)
	}
	if !sawSelf {
		return nil, fmt.Errorf("config: KNOWN_NODES must include self (%s)", self)
	}
	return nodes, nil
}

func validLogLevel(level string) bool {
	switch strings.ToUpper(level) {
	case "ERROR", "WARN", "INFO", "DEBUG":
		return true
	default:
		return false
	}
}

func overrideDuration(lookup func(string) (string, bool), key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return fmt.Errorf("config: invalid %s %q", key, raw)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}
