package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
	"github.com/rigado/shieldlink/bluez"
	"github.com/rigado/shieldlink/chunk"
	"github.com/rigado/shieldlink/dispatch"
	"github.com/rigado/shieldlink/uart"
	"github.com/urfave/cli"
)

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "shieldlink-peer.json"
	}
	return filepath.Join(dir, "shieldlink", "peer.json")
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "driver", Value: "bluez", Usage: "radio backend: bluez or uart", EnvVar: "SHIELDLINK_DRIVER"},
		cli.StringFlag{Name: "adapter", Value: "hci0", Usage: "bluez adapter", EnvVar: "SHIELDLINK_ADAPTER"},
		cli.StringFlag{Name: "port", Usage: "uart bridge port checked at startup", EnvVar: "SHIELDLINK_PORT"},
		cli.UintFlag{Name: "baud", Value: uart.DefaultBaud, Usage: "uart bridge baud rate", EnvVar: "SHIELDLINK_BAUD"},
		cli.StringFlag{Name: "variant", Value: chunk.Headered.String(), Usage: "wire variant: headered or unheadered", EnvVar: "SHIELDLINK_VARIANT"},
		cli.IntFlag{Name: "frame-size", Value: chunk.DefaultFrameSize, Usage: "maximum bytes per write", EnvVar: "SHIELDLINK_FRAME_SIZE"},
		cli.DurationFlag{Name: "push-delay", Value: 0, Usage: "delay before the state push after connecting", EnvVar: "SHIELDLINK_PUSH_DELAY"},
		cli.DurationFlag{Name: "connect-timeout", Value: 30 * time.Second, Usage: "bound on connect and discovery, 0 waits forever", EnvVar: "SHIELDLINK_CONNECT_TIMEOUT"},
		cli.StringFlag{Name: "table", Value: dispatch.TableMediaSession.String(), Usage: "command table: media or local", EnvVar: "SHIELDLINK_TABLE"},
		cli.StringFlag{Name: "player", Usage: "mpris player name, empty picks the first", EnvVar: "SHIELDLINK_PLAYER"},
		cli.StringFlag{Name: "filter", Usage: "only take track changes from notifications of this app", EnvVar: "SHIELDLINK_FILTER"},
		cli.StringFlag{Name: "store", Value: defaultStorePath(), Usage: "file remembering the chosen shield", EnvVar: "SHIELDLINK_STORE"},
		cli.StringFlag{Name: "listen", Usage: "address for the event stream and control API, empty disables", EnvVar: "SHIELDLINK_LISTEN"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "log level: error, warn, info, debug or trace", EnvVar: "SHIELDLINK_LOG_LEVEL"},
		cli.StringFlag{Name: "log-format", Value: "text", Usage: "log format: text or json", EnvVar: "SHIELDLINK_LOG_FORMAT"},
		cli.BoolFlag{Name: "debug", Usage: "log everything, overrides --log-level", EnvVar: "SHIELDLINK_DEBUG"},
	}
}

type config struct {
	driver         string
	adapter        string
	port           string
	baud           uint
	variant        chunk.Variant
	frameSize      int
	pushDelay      time.Duration
	connectTimeout time.Duration
	table          dispatch.Table
	player         string
	filter         string
	store          string
	listen         string
}

func loadConfig(c *cli.Context) (*config, error) {
	variant, err := chunk.ParseVariant(c.GlobalString("variant"))
	if err != nil {
		return nil, err
	}
	table, err := dispatch.ParseTable(c.GlobalString("table"))
	if err != nil {
		return nil, err
	}
	cfg := &config{
		driver:         c.GlobalString("driver"),
		adapter:        c.GlobalString("adapter"),
		port:           c.GlobalString("port"),
		baud:           c.GlobalUint("baud"),
		variant:        variant,
		frameSize:      c.GlobalInt("frame-size"),
		pushDelay:      c.GlobalDuration("push-delay"),
		connectTimeout: c.GlobalDuration("connect-timeout"),
		table:          table,
		player:         c.GlobalString("player"),
		filter:         c.GlobalString("filter"),
		store:          c.GlobalString("store"),
		listen:         c.GlobalString("listen"),
	}
	return cfg, cfg.validate()
}

func (cfg *config) validate() error {
	switch cfg.driver {
	case "bluez", "uart":
	default:
		return errors.Errorf("unknown driver %q", cfg.driver)
	}
	if cfg.frameSize < 1 {
		return errors.Wrapf(chunk.ErrFrameSize, "frame size %d", cfg.frameSize)
	}
	if cfg.store == "" {
		return errors.New("store path must not be empty")
	}
	return nil
}

func (cfg *config) transport() shieldlink.Transport {
	if cfg.driver == "uart" {
		return uart.New(cfg.port, cfg.baud)
	}
	return bluez.New(cfg.adapter)
}

func (cfg *config) sessionOptions(store shieldlink.PeerStore, onEvent shieldlink.EventHandler) []shieldlink.Option {
	return []shieldlink.Option{
		shieldlink.OptFrameSize(cfg.frameSize),
		shieldlink.OptWireVariant(cfg.variant),
		shieldlink.OptPushDelay(cfg.pushDelay),
		shieldlink.OptConnectTimeout(cfg.connectTimeout),
		shieldlink.OptPeerStore(store),
		shieldlink.OptEventHandler(onEvent),
	}
}
