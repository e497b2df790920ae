package scanner

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/falcon-eye/falcon-eye/internal/cache"
	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/config"
	"github.com/falcon-eye/falcon-eye/internal/noderegistry"
)

func TestListNetwork_FindsOpenPortsAndClassifiesProtocol(t *testing.T) {
	rtsp, err := net.Listen("tcp", "127.0.0.1:554")
	if err != nil {
		t.Skip("port 554 unavailable in this environment, skipping privileged-port probe test")
	}
	defer rtsp.Close()

	httpLn, err := net.Listen("tcp", "127.0.0.1:8899")
	require.NoError(t, err)
	defer httpLn.Close()

	s := &Scanner{dialTimeout: 200 * time.Millisecond, concurrency: 32}

	candidates, err := s.ListNetwork(context.Background(), "127.0.0.1/32")
	require.NoError(t, err)

	var gotRTSP, gotHTTP bool
	for _, c := range candidates {
		if c.IP == "127.0.0.1" && c.Port == 554 {
			assert.Equal(t, "rtsp", c.Protocol)
			gotRTSP = true
		}
		if c.IP == "127.0.0.1" && c.Port == 8899 {
			assert.Equal(t, "http", c.Protocol)
			gotHTTP = true
		}
	}
	assert.True(t, gotRTSP, "expected an rtsp candidate on port 554")
	assert.True(t, gotHTTP, "expected an http candidate on port 8899")
}

func TestListNetwork_RejectsInvalidSubnet(t *testing.T) {
	s := &Scanner{dialTimeout: 100 * time.Millisecond, concurrency: 8}
	_, err := s.ListNetwork(context.Background(), "not-a-subnet")
	require.Error(t, err)
}

func TestHostsInSubnet_ExcludesNetworkAndBroadcast(t *testing.T) {
	ips, err := hostsInSubnet("192.168.1.0/30")
	require.NoError(t, err)
	// /30 has 4 addresses: .0 (network), .1, .2, .3 (broadcast).
	assert.Equal(t, []string{"192.168.1.1", "192.168.1.2"}, ips)
}

// sshTestServer spins up a minimal SSH server accepting only sessions
// whose exec command is recognized, returning canned output for the
// /dev/video* listing and the v4l2 sysfs name lookup.
type sshTestServer struct {
	addr         string
	clientKeyPEM []byte
}

func startSSHTestServer(t *testing.T) *sshTestServer {
	t.Helper()

	hostKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	clientKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	clientSigner, err := ssh.NewSignerFromKey(clientKey)
	require.NoError(t, err)
	clientPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(clientKey)})

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(clientSigner.PublicKey().Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unauthorized public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleSSHConn(conn, cfg)
		}
	}()

	return &sshTestServer{addr: ln.Addr().String(), clientKeyPEM: clientPEM}
}

func handleSSHConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				cmd := parseExecPayload(req.Payload)
				channel.Write([]byte(fakeOutputFor(cmd)))
				req.Reply(true, nil)
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
				return
			}
		}()
	}
}

func parseExecPayload(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload[:4])
	if int(n) > len(payload)-4 {
		return ""
	}
	return string(payload[4 : 4+n])
}

func fakeOutputFor(cmd string) string {
	switch {
	case strings.Contains(cmd, "/dev/video*"):
		return "/dev/video0\n/dev/video1\n"
	case strings.Contains(cmd, "video4linux/video0"):
		return "Logitech Webcam C920\n"
	case strings.Contains(cmd, "video4linux/video1"):
		return "\n"
	default:
		return ""
	}
}

func TestListUSB_EnumeratesDevicesOverSSHWithFriendlyNames(t *testing.T) {
	srv := startSSHTestServer(t)

	keyPath := filepath.Join(t.TempDir(), "id_rsa")
	require.NoError(t, os.WriteFile(keyPath, srv.clientKeyPEM, 0o600))

	host, portStr, err := net.SplitHostPort(srv.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cs := fake.NewSimpleClientset(&corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-a"},
		Status: corev1.NodeStatus{
			Addresses: []corev1.NodeAddress{{Type: corev1.NodeInternalIP, Address: host}},
		},
	})
	cc := cluster.NewFromClientset(cs, "falcon-eye")
	nodes := noderegistry.New(cc, &cache.Cache{})

	cfg := &config.Config{SSHUser: "falcon-eye", SSHKeyPath: keyPath, SSHConnectTimeout: 2 * time.Second}
	s := New(nodes, cfg)
	require.NotNil(t, s.sshSigner, "test client key must have loaded")
	s.sshPort = port

	devices, err := s.ListUSB(context.Background(), "node-a")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "/dev/video0", devices[0].DevicePath)
	assert.Equal(t, "Logitech Webcam C920", devices[0].Name)
	assert.Equal(t, "/dev/video1", devices[1].DevicePath)
	assert.Empty(t, devices[1].Name)
}

func TestListUSB_WithoutSSHKeyReturnsClusterError(t *testing.T) {
	cc := cluster.NewFromClientset(fake.NewSimpleClientset(), "falcon-eye")
	nodes := noderegistry.New(cc, &cache.Cache{})
	s := New(nodes, &config.Config{SSHUser: "falcon-eye"})

	_, err := s.ListUSB(context.Background(), "node-a")
	require.Error(t, err)
}
