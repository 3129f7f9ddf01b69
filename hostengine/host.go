// Package hostengine runs the overlay connection engine on a libp2p host. Handshake
// payloads carry the address info of the peer that produced them; the channel of a ready
// arc is a libp2p stream on the overlay protocol id.
package hostengine

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	overlay "github.com/bsv-blockchain/go-overlay"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/pnet"
	"github.com/multiformats/go-multiaddr"
)

const multiAddrIPTemplate = "/ip4/%s/tcp/%d"

// HostConfig defines the libp2p host an overlay node runs on.
type HostConfig struct {
	ListenAddresses    []string `yaml:"listen_addresses"`    // Network addresses to listen on
	Port               int      `yaml:"port"`                // Network port to listen on, 0 picks a free one
	PrivateKey         string   `yaml:"private_key"`         // Hex encoded ed25519 private key, generated when empty
	SharedKey          string   `yaml:"shared_key"`          // Pre-shared key of a private network
	UsePrivateNetwork  bool     `yaml:"use_private_network"` // Whether only peers holding SharedKey may connect
	AdvertiseAddresses []string `yaml:"advertise_addresses"` // Addresses put in handshake payloads instead of the listen addresses
	Advertise          bool     `yaml:"advertise"`           // Whether to strip private addresses and look up the public IP
}

// NewHost creates the libp2p host described by config. A non-nil gater is installed as the
// host's connection gater, refusing blocked peers and subnets at the transport.
func NewHost(logger overlay.Logger, config HostConfig, gater *overlay.ArcGater) (host.Host, error) {
	logger.Infof("[HostEngine] Creating host")

	var (
		err error
		pk  *crypto.PrivKey // the private key for the host's identity
	)

	if config.PrivateKey == "" {
		pk, err = generatePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("[HostEngine] error generating private key: %w", err)
		}
	} else {
		pk, err = decodeHexEd25519PrivateKey(config.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("[HostEngine] error decoding private key: %w", err)
		}
	}

	listenMultiAddresses := make([]string, 0, len(config.ListenAddresses))
	for _, addr := range config.ListenAddresses {
		listenMultiAddresses = append(listenMultiAddresses, fmt.Sprintf(multiAddrIPTemplate, addr, config.Port))
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(listenMultiAddresses...),
		libp2p.Identity(*pk),
	}

	if config.UsePrivateNetwork {
		psk, pskErr := decodeSharedKey(config.SharedKey)
		if pskErr != nil {
			return nil, fmt.Errorf("[HostEngine] error decoding shared key: %w", pskErr)
		}
		opts = append(opts, libp2p.PrivateNetwork(psk))
	}

	if gater != nil {
		opts = append(opts, libp2p.ConnectionGater(gater))
	}

	addrsToAdvertise := buildAdvertiseMultiAddrs(logger, config.AdvertiseAddresses, config.Port)

	switch {
	case len(addrsToAdvertise) > 0:
		opts = append(opts, libp2p.AddrsFactory(func(_ []multiaddr.Multiaddr) []multiaddr.Multiaddr {
			return addrsToAdvertise
		}))
	case config.Advertise && !config.UsePrivateNetwork:
		ctx, cancel := context.WithTimeout(context.Background(), publicIPTimeout)
		fallback := resolvePublicAddr(ctx, logger, DefaultPublicIPEndpoint, config.Port)
		cancel()

		opts = append(opts, libp2p.AddrsFactory(publicAddrsFactory(fallback)))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("[HostEngine] error creating libp2p host: %w", err)
	}

	logger.Infof("[HostEngine] peer ID: %s", h.ID().String())

	for _, addr := range h.Addrs() {
		logger.Infof("[HostEngine]   %s/p2p/%s", addr, h.ID().String())
	}

	return h, nil
}

// resolvePublicAddr asks endpoint for the public IP and returns it as a tcp multiaddr on
// port, or nil when the lookup fails.
func resolvePublicAddr(ctx context.Context, logger overlay.Logger, endpoint string, port int) multiaddr.Multiaddr {
	ip, err := GetPublicIP(ctx, endpoint)
	if err != nil {
		logger.Debugf("[HostEngine] error getting public IP: %v", err)
		return nil
	}

	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf(multiAddrIPTemplate, ip, port))
	if err != nil {
		logger.Debugf("[HostEngine] error creating public multiaddr: %v", err)
		return nil
	}

	return addr
}

// publicAddrsFactory removes private addresses, falling back to the address resolved when
// the host was created if nothing is left. It never blocks: libp2p calls it every time the
// host's addresses are read.
func publicAddrsFactory(fallback multiaddr.Multiaddr) func([]multiaddr.Multiaddr) []multiaddr.Multiaddr {
	return func(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
		var publicAddrs []multiaddr.Multiaddr

		for _, addr := range addrs {
			if !isPrivateIP(addr) {
				publicAddrs = append(publicAddrs, addr)
			}
		}

		if len(publicAddrs) == 0 && fallback != nil {
			publicAddrs = append(publicAddrs, fallback)
		}

		return publicAddrs
	}
}

func decodeSharedKey(sharedKey string) (pnet.PSK, error) {
	s := ""
	s += fmt.Sprintln("/key/swarm/psk/1.0.0/")
	s += fmt.Sprintln("/base16/")
	s += sharedKey

	return pnet.DecodeV1PSK(bytes.NewBufferString(s))
}

// buildAdvertiseMultiAddrs constructs multiaddrs from host strings with optional ports.
func buildAdvertiseMultiAddrs(log overlay.Logger, addrs []string, defaultPort int) []multiaddr.Multiaddr {
	result := make([]multiaddr.Multiaddr, 0, len(addrs))

	for _, addr := range addrs {
		hostStr := addr
		portNum := defaultPort

		if h, p, err := net.SplitHostPort(addr); err == nil {
			hostStr = h

			pi, convErr := strconv.Atoi(p)
			if convErr != nil {
				log.Debugf("[HostEngine] invalid port in advertise address: %s, error: %v", addr, convErr)
				continue
			}
			portNum = pi
		}

		var (
			maddr multiaddr.Multiaddr
			err   error
		)

		switch ip := net.ParseIP(hostStr); {
		case ip != nil && ip.To4() == nil:
			maddr, err = multiaddr.NewMultiaddr(fmt.Sprintf("/ip6/%s/tcp/%d", hostStr, portNum))
		case ip != nil:
			maddr, err = multiaddr.NewMultiaddr(fmt.Sprintf(multiAddrIPTemplate, hostStr, portNum))
		case strings.Contains(hostStr, ":"):
			log.Debugf("[HostEngine] invalid DNS name in advertise address: %s", addr)
			continue
		default:
			maddr, err = multiaddr.NewMultiaddr(fmt.Sprintf("/dns4/%s/tcp/%d", hostStr, portNum))
		}

		if err != nil {
			log.Debugf("[HostEngine] invalid advertise address: %s, error: %v", addr, err)
			continue
		}

		result = append(result, maddr)
	}

	return result
}

// generatePrivateKey creates a new Ed25519 private key for the host identity.
func generatePrivateKey() (*crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &priv, nil
}

// GenerateHexKey returns a new ed25519 private key in the hex form HostConfig.PrivateKey
// accepts.
func GenerateHexKey() (string, error) {
	pk, err := generatePrivateKey()
	if err != nil {
		return "", err
	}

	raw, err := (*pk).Raw()
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(raw), nil
}

func decodeHexEd25519PrivateKey(hexEncodedPrivateKey string) (*crypto.PrivKey, error) {
	privKeyBytes, err := hex.DecodeString(hexEncodedPrivateKey)
	if err != nil {
		return nil, err
	}

	privKey, err := crypto.UnmarshalEd25519PrivateKey(privKeyBytes)
	if err != nil {
		return nil, err
	}

	return &privKey, nil
}
