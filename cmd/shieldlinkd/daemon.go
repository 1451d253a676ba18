package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rigado/shieldlink"
	"github.com/rigado/shieldlink/cache"
	"github.com/rigado/shieldlink/chunk"
	"github.com/rigado/shieldlink/dispatch"
	"github.com/rigado/shieldlink/feed"
	"github.com/rigado/shieldlink/link"
	"github.com/rigado/shieldlink/mpris"
	"github.com/rigado/shieldlink/notify"
	"github.com/rigado/shieldlink/protocol"
	"github.com/urfave/cli"
)

type status struct {
	State      shieldlink.State     `json:"state"`
	Peer       shieldlink.PeerID    `json:"peer,omitempty"`
	Generation uint64               `json:"generation"`
	Host       shieldlink.HostState `json:"host"`
}

func runDaemon(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := shieldlink.PkgLogger("shieldlinkd")

	var ctl shieldlink.MediaController
	player, err := mpris.New(cfg.player)
	if err != nil {
		log.Warnf("no media player control: %v", err)
	} else {
		ctl = player
	}

	bus := feed.NewBus()
	d := dispatch.New(ctl,
		dispatch.WithTable(cfg.table),
		dispatch.WithPackageFilter(cfg.filter),
		dispatch.WithEventHandler(bus.Publish),
	)

	s, err := link.New(cfg.transport(), d, cfg.sessionOptions(cache.New(cfg.store), bus.Publish)...)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	if c.NArg() > 0 {
		s.Connect(shieldlink.NewPeerID(c.Args().First()))
	} else {
		s.Reconnect()
	}

	if ch, err := notify.New().Notifications(ctx); err != nil {
		log.Warnf("no notification monitor: %v", err)
	} else {
		go func() {
			for n := range ch {
				n := n
				s.Submit(func(w link.Writer) { d.HandleTicker(w, n.Package, n.Ticker) })
			}
		}()
	}

	if player != nil {
		watchPlayer(ctx, player, s, d, log)
	}

	if cfg.listen != "" {
		srv := feed.NewServer(bus, s, func() interface{} {
			st := s.Status()
			return status{State: st.State, Peer: st.Peer, Generation: st.Generation, Host: d.State()}
		})
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.listen); err != nil {
				log.Errorf("feed: %v", err)
			}
		}()
	}

	err = <-runErr
	if errors.Cause(err) == shieldlink.ErrUnsupported {
		return cli.NewExitError(err.Error(), 2)
	}
	return err
}

// watchPlayer seeds the host state from the player and keeps it current.
func watchPlayer(ctx context.Context, player *mpris.Player, s *link.Session, d *dispatch.Dispatcher, log shieldlink.Logger) {
	if t, ok, err := player.CurrentTrack(); err != nil {
		log.Warnf("can't read current track: %v", err)
	} else if ok {
		s.Submit(func(w link.Writer) { d.SetTrack(w, t.Artist, t.Title) })
	}
	if playing, err := player.Playing(); err != nil {
		log.Warnf("can't read playback status: %v", err)
	} else {
		s.Submit(func(w link.Writer) { d.SetPlaying(w, playing) })
	}

	err := player.Watch(ctx,
		func(playing bool) {
			s.Submit(func(w link.Writer) { d.SetPlaying(w, playing) })
		},
		func(t mpris.Track) {
			s.Submit(func(w link.Writer) { d.SetTrack(w, t.Artist, t.Title) })
		})
	if err != nil {
		log.Warnf("no player updates: %v", err)
	}
}

func forget(c *cli.Context) error {
	store := c.GlobalString("store")
	if err := cache.New(store).Clear(); err != nil {
		return err
	}
	fmt.Printf("forgot shield remembered in %s\n", store)
	return nil
}

func encode(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	payloads := protocol.EncodeState(shieldlink.DefaultHostState())
	if c.NArg() > 0 {
		payloads = [][]byte{[]byte(c.Args().First())}
	}
	for _, p := range payloads {
		frames, err := chunk.Split(p, cfg.frameSize, cfg.variant.Header())
		if err != nil {
			return err
		}
		for _, f := range frames {
			fmt.Printf("% x  %q\n", f, f)
		}
	}
	return nil
}
