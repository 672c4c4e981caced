// Package state reads the hcl configuration file, with include support,
// and converts it into the per-package option structs.
package state

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/fleetgate/fleetgate/gate"
	"github.com/fleetgate/fleetgate/helpers"
	"github.com/fleetgate/fleetgate/log2"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Listens []ListenConfig `hcl:"listen"`

	Gate struct {
		Codec                 string `hcl:"codec"`
		IdleRearmSec          int    `hcl:"idle_rearm_sec"`
		LeavePreviousOnRebind bool   `hcl:"leave_previous_on_rebind"`
		QueueExpirySec        int    `hcl:"queue_expiry_sec"`
		QueueSweepSec         int    `hcl:"queue_sweep_sec"`
		RelayPollMs           int    `hcl:"relay_poll_ms"`
		RelayConfirmSec       int    `hcl:"relay_confirm_sec"`
		ReadLimit             int    `hcl:"read_limit"`
	} `hcl:"gate"`

	DB struct {
		PostgresURL string `hcl:"postgres_url"`
		RedisURL    string `hcl:"redis_url"`
	} `hcl:"db"`

	Broadcast struct {
		MQTTBroker   string `hcl:"mqtt_broker"`
		MQTTClientID string `hcl:"mqtt_client_id"`
		MQTTPassword string `hcl:"mqtt_password"`
		TopicPrefix  string `hcl:"topic_prefix"`
		KeepaliveSec int    `hcl:"keepalive_sec"`
	} `hcl:"broadcast"`

	Push struct {
		FCMKey string `hcl:"fcm_key"`
		FCMURL string `hcl:"fcm_url"`
	} `hcl:"push"`

	API struct {
		Listen string `hcl:"listen"`
	} `hcl:"api"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type ListenConfig struct {
	URL               string `hcl:"url,key"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
}

// GateConfig converts file values into the gateway option struct; zero
// values fall through to the gateway defaults.
func (c *Config) GateConfig() gate.Config {
	return gate.Config{
		IdleRearm:             helpers.IntSecondDefault(c.Gate.IdleRearmSec, 0),
		LeavePreviousOnRebind: c.Gate.LeavePreviousOnRebind,
		QueueExpiry:           helpers.IntSecondDefault(c.Gate.QueueExpirySec, 0),
		QueueSweepInterval:    helpers.IntSecondDefault(c.Gate.QueueSweepSec, 0),
		RelayPollInterval:     helpers.IntMillisecondDefault(c.Gate.RelayPollMs, 0),
		RelayConfirmTimeout:   helpers.IntSecondDefault(c.Gate.RelayConfirmSec, 0),
		ReadLimit:             c.Gate.ReadLimit,
	}
}

// ListenOptions converts listen blocks; default 30s network timeout.
func (c *Config) ListenOptions() []gate.ListenOptions {
	opts := make([]gate.ListenOptions, 0, len(c.Listens))
	for _, l := range c.Listens {
		opts = append(opts, gate.ListenOptions{
			StreamURL:      l.URL,
			NetworkTimeout: helpers.IntSecondDefault(l.NetworkTimeoutSec, 30*time.Second),
		})
	}
	return opts
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
