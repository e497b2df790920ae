// Package scanner implements the Node Scanner: advisory discovery of
// capture hardware, never registering anything on its own. USB
// enumeration borrows the teacher's node-enumeration shape
// (internal/nodes/manager.go, one pass over known nodes building a
// per-node result) but walks each node over SSH instead of the
// Kubernetes API, using golang.org/x/crypto/ssh — already a transitive
// dependency of the pack via its bcrypt sub-package. Network discovery
// is a plain concurrent TCP probe (net.Dialer with a timeout); output from both is
// advisory only, the caller still chooses what to register.
package scanner

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/config"
	"github.com/falcon-eye/falcon-eye/internal/logger"
	"github.com/falcon-eye/falcon-eye/internal/noderegistry"
)

const defaultSSHPort = 22

var networkProbePorts = []int{554, 8554, 80, 8080, 8899}

// USBDevice is one candidate capture device found on a node.
type USBDevice struct {
	Node       string `json:"node"`
	DevicePath string `json:"device_path"`
	Name       string `json:"name,omitempty"`
}

// NetworkCandidate is one host:port that answered a TCP probe.
type NetworkCandidate struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// Scanner implements ListUSB and ListNetwork.
type Scanner struct {
	nodes *noderegistry.Registry

	sshUser           string
	sshSigner         ssh.Signer
	sshPort           int
	sshConnectTimeout time.Duration

	dialTimeout time.Duration
	concurrency int
}

// New builds a Scanner from boot configuration. A missing or unreadable
// SSH key disables ListUSB (returns a ClusterError on first use) but
// never prevents construction, since ListNetwork has no SSH dependency.
func New(nodes *noderegistry.Registry, cfg *config.Config) *Scanner {
	s := &Scanner{
		nodes:             nodes,
		sshUser:           cfg.SSHUser,
		sshPort:           defaultSSHPort,
		sshConnectTimeout: cfg.SSHConnectTimeout,
		dialTimeout:       500 * time.Millisecond,
		concurrency:       64,
	}

	if cfg.SSHKeyPath != "" {
		signer, err := loadSigner(cfg.SSHKeyPath)
		if err != nil {
			logger.Scanner().Warn().Err(err).Str("path", cfg.SSHKeyPath).Msg("failed to load SSH key, USB scanning disabled")
		} else {
			s.sshSigner = signer
		}
	}

	return s
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

// ListUSB enumerates /dev/video* devices on node, or every known node
// if node is empty, attaching a friendly name from v4l2 sysfs metadata
// where available. A per-node SSH failure is logged and skipped rather
// than failing the whole scan.
func (s *Scanner) ListUSB(ctx context.Context, node string) ([]USBDevice, error) {
	if s.sshSigner == nil {
		return nil, apperrors.ClusterError(fmt.Errorf("no SSH key configured for node scanning"))
	}

	var targets []noderegistry.Info
	if node != "" {
		info, err := s.nodes.Resolve(ctx, node)
		if err != nil {
			return nil, err
		}
		targets = []noderegistry.Info{*info}
	} else {
		all, err := s.nodes.List(ctx)
		if err != nil {
			return nil, err
		}
		targets = all
	}

	var out []USBDevice
	for _, t := range targets {
		devices, err := s.scanNode(ctx, t)
		if err != nil {
			logger.Scanner().Warn().Err(err).Str("node", t.Name).Msg("USB scan failed for node")
			continue
		}
		out = append(out, devices...)
	}
	return out, nil
}

func (s *Scanner) scanNode(ctx context.Context, node noderegistry.Info) ([]USBDevice, error) {
	if node.InternalIP == "" {
		return nil, fmt.Errorf("node %s has no internal IP", node.Name)
	}

	clientCfg := &ssh.ClientConfig{
		User:            s.sshUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.sshSigner)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.sshConnectTimeout,
	}

	addr := net.JoinHostPort(node.InternalIP, strconv.Itoa(s.sshPort))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	defer client.Close()

	listing, _ := runSSHCommand(client, "ls /dev/video* 2>/dev/null")
	var devices []USBDevice
	for _, line := range strings.Split(listing, "\n") {
		devicePath := strings.TrimSpace(line)
		if devicePath == "" || !strings.HasPrefix(devicePath, "/dev/video") {
			continue
		}
		name := s.lookupName(client, devicePath)
		devices = append(devices, USBDevice{Node: node.Name, DevicePath: devicePath, Name: name})
	}
	return devices, nil
}

func (s *Scanner) lookupName(client *ssh.Client, devicePath string) string {
	base := path.Base(devicePath)
	cmd := fmt.Sprintf("cat /sys/class/video4linux/%s/name 2>/dev/null", base)
	out, _ := runSSHCommand(client, cmd)
	return strings.TrimSpace(out)
}

func runSSHCommand(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	out, err := session.CombinedOutput(cmd)
	// A non-zero exit (no devices present, sysfs entry missing) is not
	// a scan failure; callers treat an empty result as "found nothing".
	return string(out), nil
}

// ListNetwork TCP-probes every host in subnet on the fixed candidate
// port set, with dialTimeout per attempt and bounded concurrency.
func (s *Scanner) ListNetwork(ctx context.Context, subnet string) ([]NetworkCandidate, error) {
	ips, err := hostsInSubnet(subnet)
	if err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	var (
		mu    sync.Mutex
		found []NetworkCandidate
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, s.concurrency)
	dialer := net.Dialer{Timeout: s.dialTimeout}

	for _, ip := range ips {
		for _, port := range networkProbePorts {
			select {
			case <-ctx.Done():
				wg.Wait()
				return found, ctx.Err()
			default:
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(ip string, port int) {
				defer wg.Done()
				defer func() { <-sem }()

				addr := net.JoinHostPort(ip, strconv.Itoa(port))
				conn, err := dialer.DialContext(ctx, "tcp", addr)
				if err != nil {
					return
				}
				conn.Close()

				mu.Lock()
				found = append(found, NetworkCandidate{IP: ip, Port: port, Protocol: protocolForPort(port)})
				mu.Unlock()
			}(ip, port)
		}
	}
	wg.Wait()

	return found, nil
}

func protocolForPort(port int) string {
	if port == 554 || port == 8554 {
		return "rtsp"
	}
	return "http"
}

// hostsInSubnet expands subnet (CIDR) into its usable host addresses,
// excluding the network and broadcast addresses for IPv4.
func hostsInSubnet(subnet string) ([]string, error) {
	ip, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", subnet, err)
	}
	if ip.To4() == nil {
		return nil, fmt.Errorf("only IPv4 subnets are supported: %q", subnet)
	}

	var ips []string
	for addr := cloneIP(ipNet.IP); ipNet.Contains(addr); incrementIP(addr) {
		ips = append(ips, addr.String())
	}

	if len(ips) > 2 {
		ips = ips[1 : len(ips)-1] // drop network and broadcast addresses
	}
	return ips, nil
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

func incrementIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}
