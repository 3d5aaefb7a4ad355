package taonet

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Config is the JSON configuration of a server. Timeouts are in seconds.
type Config struct {
	Addr           string
	UDPAddr        string
	Backlog        int
	Capacity       int
	MaxPayload     int
	HeaderSize     int
	Workers        int
	IdleTimeout    int
	ConnectTimeout int
	MonitorPort    int
}

var blob = []byte(
	`{
  "Addr": "tcp:0.0.0.0:18341",
  "UDPAddr": "",
  "Backlog": 0,
  "Capacity": 65536,
  "MaxPayload": 8388608,
  "HeaderSize": 4,
  "Workers": 16,
  "IdleTimeout": 0,
  "ConnectTimeout": 5,
  "MonitorPort": 0
}`)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	var conf Config
	if err := json.Unmarshal(blob, &conf); err != nil {
		panic(err)
	}
	return conf
}

// LoadConfig reads the JSON file at path over the defaults and validates it.
func LoadConfig(path string) (Config, error) {
	conf := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return conf, errors.Wrap(err, "load config")
	}
	if err = json.Unmarshal(b, &conf); err != nil {
		return conf, errors.Wrapf(err, "parse config %s", path)
	}
	return conf, conf.Validate()
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Addr == "" && c.UDPAddr == "" {
		return errors.Wrap(ErrParameter, "no address")
	}
	for _, addr := range []string{c.Addr, c.UDPAddr} {
		if addr == "" {
			continue
		}
		if _, _, _, err := ParseEndpoint(addr); err != nil {
			return err
		}
	}
	switch {
	case c.Capacity <= 0:
		return errors.Wrapf(ErrParameter, "capacity %d", c.Capacity)
	case c.HeaderSize != 2 && c.HeaderSize != 4:
		return errors.Wrapf(ErrParameter, "header size %d", c.HeaderSize)
	case c.MaxPayload <= 0:
		return errors.Wrapf(ErrParameter, "max payload %d", c.MaxPayload)
	case c.HeaderSize == 2 && c.MaxPayload > 0xffff:
		return errors.Wrapf(ErrParameter, "max payload %d exceeds 2-byte header", c.MaxPayload)
	case c.Workers < 0, c.Backlog < 0, c.IdleTimeout < 0, c.ConnectTimeout < 0:
		return errors.Wrap(ErrParameter, "negative value")
	}
	return nil
}

// ServerOptions converts c into options for NewServer.
func (c Config) ServerOptions() []ServerOption {
	headerSize, maxPayload := c.HeaderSize, c.MaxPayload
	return []ServerOption{
		CapacityOption(c.Capacity),
		WorkersOption(c.Workers),
		IdleTimeoutOption(time.Duration(c.IdleTimeout) * time.Second),
		CustomCodecOption(func() Codec {
			return NewFrameCodec(HeaderSize(headerSize), ByteOrder(binary.BigEndian), MaxPayload(maxPayload))
		}),
	}
}

// AcceptorOptions converts c into options for NewAcceptor.
func (c Config) AcceptorOptions() []AcceptorOption {
	if c.Backlog > 0 {
		return []AcceptorOption{Backlog(c.Backlog)}
	}
	return nil
}

// ConnectTimeoutDuration returns the connect deadline.
func (c Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// ParseEndpoint parses "network:host:port" or "network:port". The network
// defaults to tcp when omitted as in ":8341". IPv6 hosts are bracketed.
func ParseEndpoint(address string) (network, host string, port int, err error) {
	network = "tcp"
	rest := address
	for _, n := range []string{"tcp4", "tcp6", "tcp", "udp4", "udp6", "udp"} {
		if strings.HasPrefix(address, n+":") {
			network, rest = n, address[len(n)+1:]
			break
		}
	}
	// "tcp:8341" names the port only
	i := strings.LastIndex(rest, ":")
	if i >= 0 {
		host = strings.TrimSuffix(strings.TrimPrefix(rest[:i], "["), "]")
	}
	port, err = strconv.Atoi(rest[i+1:])
	if err != nil || port < 0 || port > 0xffff {
		return "", "", 0, errors.Wrapf(ErrParameter, "bad port in %q", address)
	}
	return network, host, port, nil
}

// JoinEndpoint returns the host:port form of a parsed endpoint.
func JoinEndpoint(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
