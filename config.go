package rtps

import (
	"net"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config holds data link configuration data. The exported scalar fields can
// be loaded from a TOML file with LoadConfig.
type Config struct {
	Name                         string
	Vendor                       VendorID `toml:"-"`
	MaxDatagramSize              int      `toml:"max_datagram_size"`
	MaxSampleSize                int      `toml:"max_sample_size"`
	FragmentAbove                int      `toml:"fragment_above"`
	FragmentSize                 int      `toml:"fragment_size"`
	SendBufferSize               int      `toml:"send_buffer_size"`
	FragmentReassemblyBufferSize int      `toml:"fragment_reassembly_buffer_size"`
	FragmentReassemblyTimeout    Duration `toml:"fragment_reassembly_timeout"`
	HeartbeatPeriod              Duration `toml:"heartbeat_period"`
	HeartbeatResponseDelay       Duration `toml:"heartbeat_response_delay"`
	NackResponseDelay            Duration `toml:"nack_response_delay"`

	UnicastAddress     string `toml:"unicast_address"`
	MulticastGroup     string `toml:"multicast_group"`
	MulticastInterface string `toml:"multicast_interface"`

	// Codec defaults to CDRCodec
	Codec Codec `toml:"-"`

	// TransmitFunction is called by the data link to send a message
	TransmitFunction func(to *net.UDPAddr, message []byte) `toml:"-"`
	// DataReceivedFunction is called in sequence order for every sample a
	// local reader delivers
	DataReceivedFunction func(reader GUID, sample *Sample) `toml:"-"`
	// LivelinessFunction is called when a heartbeat asserts writer liveliness
	LivelinessFunction func(writer GUID) `toml:"-"`
}

// defaultMaxSampleSize bounds the sample size a DATA_FRAG may declare when
// Config.MaxSampleSize is zero.
const defaultMaxSampleSize = 16 << 20

// NewDefaultConfig creates a typical data link configuration
func NewDefaultConfig() *Config {
	return &Config{
		Name:                         "participant",
		Vendor:                       DefaultVendorID,
		MaxDatagramSize:              64 * 1024,
		MaxSampleSize:                defaultMaxSampleSize,
		FragmentAbove:                1024,
		FragmentSize:                 1024,
		SendBufferSize:               256,
		FragmentReassemblyBufferSize: 64,
		FragmentReassemblyTimeout:    Duration{30 * time.Second},
		HeartbeatPeriod:              Duration{time.Second},
		UnicastAddress:               "0.0.0.0:7411",
	}
}

// Duration reads durations such as "250ms" from TOML strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	config := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return config, nil
}

// overhead of a DATA_FRAG message carrying one fragment without inline QoS
const dataFragOverhead = HeaderSize + 2*submessageHeaderSize + 8 + submessageHeaderSize + 4 + dataFragOctetsToInlineQos

func (c *Config) Validate() error {
	switch {
	case c.FragmentSize <= 0 || c.FragmentSize > 0xFFFF:
		return errors.Errorf("fragment_size %d out of range", c.FragmentSize)
	case c.FragmentAbove < c.FragmentSize:
		return errors.Errorf("fragment_above %d is below fragment_size %d", c.FragmentAbove, c.FragmentSize)
	case c.MaxDatagramSize < c.FragmentSize+dataFragOverhead:
		return errors.Errorf("max_datagram_size %d cannot hold a %d byte fragment", c.MaxDatagramSize, c.FragmentSize)
	case c.MaxSampleSize < 0:
		return errors.Errorf("max_sample_size must not be negative")
	case c.SendBufferSize <= 0:
		return errors.Errorf("send_buffer_size must be positive")
	case c.HeartbeatPeriod.Duration <= 0:
		return errors.Errorf("heartbeat_period must be positive")
	}
	return nil
}
