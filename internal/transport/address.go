package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var ErrNoAddress = errors.New("address file lists no transport")

// Addresses is the content of the address file clients use to find the
// broker.
type Addresses struct {
	Unix     string    `yaml:"unix,omitempty"`
	TCP      string    `yaml:"tcp,omitempty"`
	PID      int       `yaml:"pid"`
	Instance string    `yaml:"instance"`
	Started  time.Time `yaml:"started"`
}

// runtimeDir is $XDG_RUNTIME_DIR, falling back to $HOME and then the
// temporary directory.
func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return os.TempDir()
}

// DefaultAddressFile returns the per-user, per-host address file path.
func DefaultAddressFile() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	host = strings.ReplaceAll(host, "/", "_")
	return filepath.Join(runtimeDir(), ".DCOPserver_"+host)
}

// DefaultSocketPath returns the per-user Unix socket path.
func DefaultSocketPath() string {
	return filepath.Join(runtimeDir(), fmt.Sprintf(".dcop-%d.sock", os.Getuid()))
}

// PublishAddress writes addrs to path with mode 0600, replacing any previous
// file atomically. PID, Instance and Started are filled in when unset.
func PublishAddress(path string, addrs Addresses) (Addresses, error) {
	if addrs.PID == 0 {
		addrs.PID = os.Getpid()
	}
	if addrs.Instance == "" {
		addrs.Instance = uuid.New().String()
	}
	if addrs.Started.IsZero() {
		addrs.Started = time.Now().UTC().Truncate(time.Second)
	}

	data, err := yaml.Marshal(&addrs)
	if err != nil {
		return addrs, fmt.Errorf("failed to encode address file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return addrs, fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".dcop-addr-*")
	if err != nil {
		return addrs, fmt.Errorf("failed to create address file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return addrs, fmt.Errorf("failed to set address file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return addrs, fmt.Errorf("failed to write address file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return addrs, fmt.Errorf("failed to write address file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return addrs, fmt.Errorf("failed to install address file: %w", err)
	}
	return addrs, nil
}

// ReadAddress reads an address file written by PublishAddress.
func ReadAddress(path string) (*Addresses, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read address file: %w", err)
	}
	var addrs Addresses
	if err := yaml.Unmarshal(data, &addrs); err != nil {
		return nil, fmt.Errorf("failed to parse address file %s: %w", path, err)
	}
	if addrs.Unix == "" && addrs.TCP == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, path)
	}
	return &addrs, nil
}

// RemoveAddress deletes the address file if it still belongs to instance.
// An empty instance removes it unconditionally.
func RemoveAddress(path, instance string) error {
	if instance != "" {
		current, err := ReadAddress(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if current.Instance != instance {
			return nil
		}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove address file: %w", err)
	}
	return nil
}

// Endpoints lists (network, address) pairs to try, local transport first.
func (a *Addresses) Endpoints() [][2]string {
	var out [][2]string
	if a.Unix != "" {
		out = append(out, [2]string{"unix", a.Unix})
	}
	if a.TCP != "" {
		out = append(out, [2]string{"tcp", a.TCP})
	}
	return out
}

// Reachable reports whether any listed transport accepts a connection. The
// server uses it to refuse starting twice.
func (a *Addresses) Reachable(ctx context.Context) bool {
	var d net.Dialer
	for _, ep := range a.Endpoints() {
		dctx, cancel := context.WithTimeout(ctx, time.Second)
		c, err := d.DialContext(dctx, ep[0], ep[1])
		cancel()
		if err == nil {
			c.Close()
			return true
		}
	}
	return false
}
