package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/golang/glog"

	"github.com/burrowchat/engine"
)

type config struct {
	// websocket listen address for peer connections
	ListenAddr string `yaml:"listen_addr"`
	// peer urls to dial and keep dialed, e.g. ws://host:7171/gossip
	Peers []string `yaml:"peers"`
	// database and identity directory
	DataDir string `yaml:"data_dir"`
	// optional prometheus /metrics address
	MetricsAddr string `yaml:"metrics_addr"`

	AntiEntropySeconds int `yaml:"anti_entropy_seconds"`
	ReconnectSeconds   int `yaml:"reconnect_seconds"`
}

func defaultConfig() *config {
	return &config{
		ListenAddr:       "127.0.0.1:7171",
		DataDir:          "burrowd-data",
		ReconnectSeconds: 10,
	}
}

func loadConfig(path string) (*config, error) {
	c := defaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// loadPeerId reads the durable peer identity, creating one on first run.
// The peer id must survive restarts or the vector clock entries fork.
func loadPeerId(dataDir string) (engine.PeerId, error) {
	path := filepath.Join(dataDir, "peer_id")
	if b, err := os.ReadFile(path); err == nil {
		return engine.ParseId(string(b))
	} else if !os.IsNotExist(err) {
		return engine.PeerId{}, err
	}
	peerId := engine.NewId()
	if err := os.WriteFile(path, []byte(peerId.String()), 0600); err != nil {
		return engine.PeerId{}, err
	}
	return peerId, nil
}

func main() {
	configPath := flag.String("config", "burrowd.yml", "config file path")
	flag.Parse()
	defer glog.Flush()

	if err := run(*configPath); err != nil {
		glog.Errorf("[burrowd]%s\n", err)
		glog.Flush()
		os.Exit(1)
	}
}

func run(configPath string) error {
	c, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}

	peerId, err := loadPeerId(c.DataDir)
	if err != nil {
		return err
	}
	glog.Infof("[burrowd]peer id %s\n", peerId)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := engine.OpenPebbleStore(filepath.Join(c.DataDir, "db"))
	if err != nil {
		return err
	}
	defer store.Close()

	transport := engine.NewWsTransport(ctx, peerId, engine.DefaultWsTransportSettings())
	defer transport.Close()
	if err := transport.Listen(c.ListenAddr); err != nil {
		return err
	}

	settings := engine.DefaultNodeSettings()
	if 0 < c.AntiEntropySeconds {
		settings.Gossip.AntiEntropyInterval = time.Duration(c.AntiEntropySeconds) * time.Second
	}
	node, err := engine.NewNode(ctx, peerId, store, transport, settings)
	if err != nil {
		return err
	}
	defer node.Close()

	reconnect := 10 * time.Second
	if 0 < c.ReconnectSeconds {
		reconnect = time.Duration(c.ReconnectSeconds) * time.Second
	}
	for _, peerUrl := range c.Peers {
		go dialLoop(ctx, transport, peerUrl, reconnect)
	}

	if c.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			err := http.ListenAndServe(c.MetricsAddr, mux)
			if err != nil {
				glog.Infof("[burrowd]metrics listener exited: %s\n", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	glog.Infof("[burrowd]shutting down\n")
	return nil
}

// dialLoop keeps one configured peer dialed. A lost connection is redialed
// on the reconnect cadence; anti-entropy catches the peer up after.
func dialLoop(ctx context.Context, transport *engine.WsTransport, peerUrl string, reconnect time.Duration) {
	var peerId engine.PeerId
	for {
		if peerId.IsZero() || !transport.Connected(peerId) {
			dialed, err := transport.Dial(peerUrl)
			if err != nil {
				glog.V(1).Infof("[burrowd]dial %s failed: %s\n", peerUrl, err)
			} else {
				peerId = dialed
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnect):
		}
	}
}
