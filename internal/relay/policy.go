package relay

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is an optional static per-namespace policy file. A channel named
// "stream:42" belongs to the "stream" namespace; a channel without a colon
// is its own namespace.
type Policy struct {
	Namespaces []NamespacePolicy `yaml:"namespaces"`
}

type NamespacePolicy struct {
	Name           string `yaml:"name"`
	MaxMembers     *int   `yaml:"max_members"`
	AllowChat      *bool  `yaml:"allow_chat"`
	AllowReactions *bool  `yaml:"allow_reactions"`
	AllowGifts     *bool  `yaml:"allow_gifts"`
	Echo           *bool  `yaml:"echo"`
}

// channelPolicy is the fully resolved policy applied to one channel.
type channelPolicy struct {
	MaxMembers     int
	AllowChat      bool
	AllowReactions bool
	AllowGifts     bool
	Echo           bool
}

// LoadPolicy reads a policy file. A missing path yields a nil policy, which
// means defaults everywhere.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read relay policy: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse relay policy: %w", err)
	}

	return &p, nil
}

func channelNamespace(channel string) string {
	if i := strings.IndexByte(channel, ':'); i >= 0 {
		return channel[:i]
	}
	return channel
}

// resolve merges the namespace entry for the channel over the defaults.
func (p *Policy) resolve(channel string, defaults channelPolicy) channelPolicy {
	if p == nil {
		return defaults
	}

	ns := channelNamespace(channel)
	for i := range p.Namespaces {
		entry := &p.Namespaces[i]
		if !strings.EqualFold(entry.Name, ns) {
			continue
		}
		if entry.MaxMembers != nil {
			defaults.MaxMembers = *entry.MaxMembers
		}
		if entry.AllowChat != nil {
			defaults.AllowChat = *entry.AllowChat
		}
		if entry.AllowReactions != nil {
			defaults.AllowReactions = *entry.AllowReactions
		}
		if entry.AllowGifts != nil {
			defaults.AllowGifts = *entry.AllowGifts
		}
		if entry.Echo != nil {
			defaults.Echo = *entry.Echo
		}
		break
	}

	return defaults
}
