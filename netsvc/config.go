package netsvc

import (
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

func secondsToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// PortRange is a listen/dial address of the form "host:port" or
// "host:minport-maxport", grounded on the teacher's multi-port listener
// addressing scheme.
type PortRange struct {
	Host    string
	MinPort int
	MaxPort int
}

var portRangePattern = regexp.MustCompile(`^(.*):([0-9]{1,5})-?([0-9]{1,5})?$`)

// ParsePortRange accepts "host:port" or "host:minport-maxport" and
// validates that the range is non-empty and within the 16-bit port space.
func ParsePortRange(addr string) (*PortRange, error) {
	m := portRangePattern.FindStringSubmatch(addr)
	if len(m) < 3 {
		return nil, errors.Errorf("netsvc: malformed listen address %q", addr)
	}

	minPort, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, errors.Wrapf(err, "netsvc: parse port in %q", addr)
	}
	maxPort := minPort
	if m[3] != "" {
		maxPort, err = strconv.Atoi(m[3])
		if err != nil {
			return nil, errors.Wrapf(err, "netsvc: parse port range in %q", addr)
		}
	}

	if minPort == 0 || maxPort == 0 || minPort > maxPort || maxPort > 65535 {
		return nil, errors.Errorf("netsvc: invalid port range %d-%d in %q", minPort, maxPort, addr)
	}

	return &PortRange{Host: m[1], MinPort: minPort, MaxPort: maxPort}, nil
}

// Ports expands the range into the concrete port list to bind/dial.
func (r *PortRange) Ports() []int {
	out := make([]int, 0, r.MaxPort-r.MinPort+1)
	for p := r.MinPort; p <= r.MaxPort; p++ {
		out = append(out, p)
	}
	return out
}

// FileConfig is the JSON-decodable superset of Config plus the listener
// address and cipher settings a cmd binary needs but the net core itself
// does not own, mirroring the teacher's server/client Config structs and
// its "-c config.json overrides flags" convention.
type FileConfig struct {
	Listen string `json:"listen"`
	Target string `json:"target"`
	Key    string `json:"key"`
	Crypt  string `json:"crypt"`

	NetInputBufferSize            int  `json:"net_input_buffer_size"`
	NetOutputBufferSize           int  `json:"net_output_buffer_size"`
	NetDisconnectAndRemove        bool `json:"net_disconnect_and_remove"`
	NetConnectionTimeoutAvailable bool `json:"net_connection_timeout_available"`
	NetConnectionTimeoutSeconds   int  `json:"net_connection_timeout_seconds"`
	IOWorkers                     int  `json:"io_workers"`
	ServiceWorkers                int  `json:"service_workers"`
}

// LoadJSONConfig decodes path into cfg, the same override mechanism the
// teacher's "-c" flag implements for its own Config struct.
func LoadJSONConfig(cfg *FileConfig, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "netsvc: open config file %q", path)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return errors.Wrapf(err, "netsvc: decode config file %q", path)
	}
	return nil
}

// Flags are the urfave/cli flags a catalina-mux-style binary declares,
// matching the teacher's flag naming and the "EnvVar" convention for the
// pre-shared secret.
func Flags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "listen, l",
			Value: ":29900",
			Usage: `listen address, eg: "IP:29900" for a single port, "IP:minport-maxport" for port range; only the port part is used, the listener binds every interface`,
		},
		cli.StringFlag{
			Name:  "target, t",
			Value: "127.0.0.1:12948",
			Usage: "target server address",
		},
		cli.StringFlag{
			Name:   "key",
			Value:  "it's a secret",
			Usage:  "pre-shared secret between peers",
			EnvVar: "CATALINA_KEY",
		},
		cli.StringFlag{
			Name:  "crypt",
			Value: "aes",
			Usage: "aes, aes-128-gcm, aes-192, blowfish, twofish, salsa20, xor, none",
		},
		cli.IntFlag{
			Name:  "io-workers",
			Value: 64,
			Usage: "size of the I/O worker pool",
		},
		cli.IntFlag{
			Name:  "service-workers",
			Value: 64,
			Usage: "size of the service worker pool",
		},
		cli.IntFlag{
			Name:  "timeout",
			Value: 5,
			Usage: "handshake timeout in seconds, 0 to disable",
		},
		cli.StringFlag{
			Name:  "c",
			Usage: "config from a json file, overrides the flags above",
		},
	}
}

// ConfigFromCLI builds a Config and the raw listen/target/key/crypt
// strings from a populated cli.Context, applying a "-c" JSON override when
// present.
func ConfigFromCLI(c *cli.Context) (cfg Config, listen, target, key, crypt string, err error) {
	fc := FileConfig{
		Listen:                        c.String("listen"),
		Target:                        c.String("target"),
		Key:                           c.String("key"),
		Crypt:                         c.String("crypt"),
		NetInputBufferSize:            4096,
		NetOutputBufferSize:           4096,
		NetDisconnectAndRemove:        true,
		NetConnectionTimeoutAvailable: c.Int("timeout") > 0,
		NetConnectionTimeoutSeconds:   c.Int("timeout"),
		IOWorkers:                     c.Int("io-workers"),
		ServiceWorkers:                c.Int("service-workers"),
	}

	if path := c.String("c"); path != "" {
		if err := LoadJSONConfig(&fc, path); err != nil {
			return Config{}, "", "", "", "", err
		}
	}

	cfg = DefaultConfig()
	cfg.NetInputBufferSize = fc.NetInputBufferSize
	cfg.NetOutputBufferSize = fc.NetOutputBufferSize
	cfg.NetDisconnectAndRemove = fc.NetDisconnectAndRemove
	cfg.NetConnectionTimeoutAvailable = fc.NetConnectionTimeoutAvailable
	cfg.NetConnectionTimeout = secondsToDuration(fc.NetConnectionTimeoutSeconds)
	cfg.IOWorkers = fc.IOWorkers
	cfg.ServiceWorkers = fc.ServiceWorkers

	return cfg, fc.Listen, fc.Target, fc.Key, fc.Crypt, nil
}
