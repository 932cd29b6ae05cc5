package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ThomasWerthenbach/Repple/aggregation"
	"github.com/ThomasWerthenbach/Repple/cmd/common"
	"github.com/ThomasWerthenbach/Repple/ml"
	"github.com/ThomasWerthenbach/Repple/node"
	"github.com/ThomasWerthenbach/Repple/protocol"
	"github.com/ThomasWerthenbach/Repple/results"
	"github.com/ThomasWerthenbach/Repple/transfer"
)

const (
	RoleHonest = "honest"
	RoleSybil  = "sybil"
)

// Config describes one peer process and its static peer table.
type Config struct {
	ID   protocol.PeerID `yaml:"id"`
	Role string          `yaml:"role"`

	// Peers maps every other peer to its base URL.
	Peers map[protocol.PeerID]string `yaml:"peers"`

	// Sybils lists the adversarial peers of the deployment. Honest peers
	// send to them like to anyone else; sybils treat them as allies.
	Sybils []protocol.PeerID `yaml:"sybils"`

	Settings protocol.Settings `yaml:"settings"`

	Quorum       int            `yaml:"quorum"`
	RoundTimeout time.Duration  `yaml:"round_timeout"`
	AdvanceDelay time.Duration  `yaml:"advance_delay"`
	Epochs       protocol.Epoch `yaml:"epochs"`

	// StartDelay postpones the first epoch once every peer is reachable.
	StartDelay time.Duration `yaml:"start_delay"`
	// ReadyTimeout bounds the wait for the other peers to come up.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	EvaluateAttack bool  `yaml:"evaluate_attack"`
	ModelSeed      int64 `yaml:"model_seed"`

	Blobs       ml.BlobsConfig       `yaml:"blobs"`
	Aggregation aggregation.Options  `yaml:"aggregation"`
	Transfer    transfer.Config      `yaml:"transfer"`
	Retry       transfer.RetryPolicy `yaml:"retry"`
	Sybil       node.SybilConfig     `yaml:"sybil"`

	DatagramTimeout time.Duration `yaml:"datagram_timeout"`

	HTTP     common.HTTPConfig      `yaml:"http"`
	Log      common.LogConfig       `yaml:"log"`
	Postgres results.PostgresConfig `yaml:"postgres"`
}

func DefaultConfig() *Config {
	return &Config{
		Role:         RoleHonest,
		Settings:     *protocol.DefaultSettings(),
		ReadyTimeout: time.Minute,
		Blobs:        ml.DefaultBlobsConfig(),
		Aggregation:  aggregation.DefaultOptions(),
		Transfer:     transfer.DefaultConfig(),
		Retry:        transfer.DefaultRetryPolicy(),
		Sybil:        node.DefaultSybilConfig(),
		HTTP:         common.HTTPConfig{ListenAddr: ":8080"},
		Log:          common.LogConfig{Level: "info"},
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Others returns the ids of the peer table in ascending order.
func (c *Config) Others() []protocol.PeerID {
	ids := make([]protocol.PeerID, 0, len(c.Peers))
	for id := range c.Peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Honest returns the peers of the table that are not sybils.
func (c *Config) Honest() []protocol.PeerID {
	return slices.DeleteFunc(c.Others(), func(id protocol.PeerID) bool {
		return slices.Contains(c.Sybils, id)
	})
}

// ProtocolSettings returns the settings with TotalPeers derived from the
// peer table.
func (c *Config) ProtocolSettings() *protocol.Settings {
	s := c.Settings
	s.TotalPeers = len(c.Peers) + 1
	return &s
}

func (c *Config) Validate() error {
	if len(c.Peers) == 0 {
		return errors.New("peer table is empty")
	}
	if _, ok := c.Peers[c.ID]; ok {
		return fmt.Errorf("peer table contains self %s", c.ID)
	}
	// Shards are assigned by id, so the deployment must use ids 0..n-1.
	total := len(c.Peers) + 1
	if int(c.ID) >= total {
		return fmt.Errorf("peer id %s outside of [0, %d)", c.ID, total)
	}
	for id, url := range c.Peers {
		if int(id) >= total {
			return fmt.Errorf("peer id %s outside of [0, %d)", id, total)
		}
		if url == "" {
			return fmt.Errorf("peer %s has no url", id)
		}
	}
	if c.Quorum < 0 || c.Quorum > len(c.Peers) {
		return fmt.Errorf("quorum %d outside of [0, %d]", c.Quorum, len(c.Peers))
	}

	switch c.Role {
	case RoleHonest:
		if c.EvaluateAttack {
			if err := c.Sybil.Flip.Validate(c.Blobs.Classes); err != nil {
				return err
			}
		}
	case RoleSybil:
		if err := c.Sybil.Validate(); err != nil {
			return err
		}
		if err := c.Sybil.Flip.Validate(c.Blobs.Classes); err != nil {
			return err
		}
		if len(c.Honest()) == 0 {
			return errors.New("sybil peer has no honest peer to target")
		}
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}

	return c.ProtocolSettings().Validate()
}
