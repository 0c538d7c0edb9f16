package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/samber/lo"

	"groupfeed/group"
)

const (
	SourceTimeline  = "timeline"
	SourceBluesky   = "bluesky"
	SourceJetstream = "jetstream"
)

// Everyone in a members list makes the group unrestricted
const Everyone = "*"

// TomlGroup represents a group configuration. A group without members, or
// with "*" among them, accepts every author.
type TomlGroup struct {
	Name     string   `toml:"name"`
	Capacity int      `toml:"capacity,omitempty"`
	Members  []string `toml:"members,omitempty"`
	// Restricted with an empty members list starts a group nobody is in yet
	Restricted bool `toml:"restricted,omitempty"`
}

// Unrestricted reports whether the group accepts every author
func (g TomlGroup) Unrestricted() bool {
	if lo.Contains(g.Members, Everyone) {
		return true
	}
	return len(g.Members) == 0 && !g.Restricted
}

// TomlTimeline configures the REST timeline source
type TomlTimeline struct {
	URL     string        `toml:"url"`
	Timeout time.Duration `toml:"timeout,omitempty"`
	Retries uint64        `toml:"retries,omitempty"`
}

// TomlBluesky configures the Bluesky author feed source
type TomlBluesky struct {
	Host   string   `toml:"host,omitempty"`
	Actors []string `toml:"actors"`
	Limit  int64    `toml:"limit,omitempty"`
}

// TomlJetstream configures the Jetstream firehose source
type TomlJetstream struct {
	Hosts                []string `toml:"hosts"`
	Compress             bool     `toml:"compress,omitempty"`
	WantedDids           []string `toml:"wanted_dids,omitempty"`
	SkipReplies          bool     `toml:"skip_replies,omitempty"`
	Languages            []string `toml:"languages,omitempty"`
	RunLanguageDetection bool     `toml:"detect_language,omitempty"`
	ConfidenceThreshold  float64  `toml:"confidence_threshold,omitempty"`
	MaxBuffered          int      `toml:"max_buffered,omitempty"`
	Workers              int      `toml:"workers,omitempty"`
}

// TomlSource selects and configures the feed source
type TomlSource struct {
	Type      string        `toml:"type"`
	UserAgent string        `toml:"user_agent,omitempty"`
	Timeline  TomlTimeline  `toml:"timeline"`
	Bluesky   TomlBluesky   `toml:"bluesky"`
	Jetstream TomlJetstream `toml:"jetstream"`
}

// TomlPoller configures the poll schedule
type TomlPoller struct {
	Interval time.Duration `toml:"interval,omitempty"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	Groups []TomlGroup `toml:"groups"`
	Source TomlSource  `toml:"source"`
	Poller TomlPoller  `toml:"poller"`
}

func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	return ParseConfig(data)
}

func ParseConfig(data []byte) (*TomlConfig, error) {
	var config TomlConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks the configuration for mistakes that would otherwise only
// show up at runtime.
func (c *TomlConfig) Validate() error {
	if len(c.Groups) == 0 {
		return fmt.Errorf("at least one group is required")
	}

	seen := map[string]bool{}
	for i, g := range c.Groups {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return fmt.Errorf("group %d has no name", i+1)
		}
		if seen[name] {
			return fmt.Errorf("group %q is defined more than once", name)
		}
		if g.Capacity < 0 {
			return fmt.Errorf("group %q has a negative capacity", name)
		}
		seen[name] = true
	}

	switch c.Source.Type {
	case SourceTimeline:
		if c.Source.Timeline.URL == "" {
			return fmt.Errorf("source.timeline.url is required")
		}
	case SourceBluesky:
		if len(c.Source.Bluesky.Actors) == 0 && len(c.Members()) == 0 {
			return fmt.Errorf("source.bluesky.actors is required when no group lists members")
		}
	case SourceJetstream:
		if len(c.Source.Jetstream.Hosts) == 0 {
			return fmt.Errorf("source.jetstream.hosts is required")
		}
	case "":
		return fmt.Errorf("source.type is required")
	default:
		return fmt.Errorf("unknown source type %q", c.Source.Type)
	}

	// Bluesky posts carry the author's DID, so a handle would never match
	if c.Source.Type == SourceBluesky || c.Source.Type == SourceJetstream {
		for _, did := range append(c.Members(), c.Source.Jetstream.WantedDids...) {
			if _, err := syntax.ParseDID(did); err != nil {
				return fmt.Errorf("member %q must be a DID with a %s source: %w", did, c.Source.Type, err)
			}
		}
	}

	return nil
}

// Members returns every author listed in a restricted group, in order of
// first appearance.
func (c *TomlConfig) Members() []string {
	members := []string{}
	for _, g := range c.Groups {
		if g.Unrestricted() {
			continue
		}
		members = append(members, g.Members...)
	}
	return lo.Uniq(members)
}

// Membership converts the members list into a group membership
func (g TomlGroup) Membership() group.Membership {
	if g.Unrestricted() {
		return group.Unrestricted()
	}
	return group.Members(g.Members...)
}

// BuildRegistry registers the configured groups, in file order, on a new
// registry reporting to sink.
func (c *TomlConfig) BuildRegistry(sink group.Sink) (*group.Registry, error) {
	registry := group.NewRegistry(sink)
	for _, g := range c.Groups {
		if _, err := registry.RegisterGroup(strings.TrimSpace(g.Name), g.Capacity, g.Membership()); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
