// Command callagent is a headless call client: it logs in as one chat
// member, then dials or answers calls with synthetic or real devices.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/callcore/internal/adapters/http"
	"github.com/dkeye/callcore/internal/adapters/device"
	"github.com/dkeye/callcore/internal/adapters/livekit"
	"github.com/dkeye/callcore/internal/adapters/rtc"
	"github.com/dkeye/callcore/internal/adapters/wsclient"
	"github.com/dkeye/callcore/internal/app"
	"github.com/dkeye/callcore/internal/app/history"
	"github.com/dkeye/callcore/internal/app/media"
	"github.com/dkeye/callcore/internal/app/orch"
	"github.com/dkeye/callcore/internal/app/sfu"
	"github.com/dkeye/callcore/internal/config"
	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/dkeye/callcore/internal/logging"
)

func flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("callagent", pflag.ExitOnError)
	fs.String("agent.member", "", "member id to log in as")
	fs.String("agent.api_url", "http://localhost:8080", "server base URL")
	fs.Bool("agent.auto_answer", false, "accept every incoming call")
	fs.String("agent.dial", "", "chat id to call once connected")
	fs.Bool("agent.video", false, "start calls with the camera on")
	fs.Duration("agent.hangup_after", 0, "hang up this long after connecting (0 keeps the call)")
	fs.String("signal.url", "ws://localhost:8080/api/ws/signal", "signaling socket URL")
	fs.Bool("media.synthetic", true, "use generated tracks instead of devices")
	fs.String("log.level", "info", "log level")
	_ = fs.Parse(os.Args[1:])
	return fs
}

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("callagent failed")
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(flags())
	if err != nil {
		return err
	}
	logs := logging.Setup(cfg.Log, cfg.Env)
	defer logs.Close()

	mid := domain.MemberID(cfg.Agent.Member)
	if err := domain.ValidateMemberID(mid); err != nil {
		return fmt.Errorf("agent.member: %w", err)
	}

	api := router.NewClient(cfg.Agent.APIURL)
	token, err := api.Login(ctx, mid)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	self, err := lookupSelf(ctx, api, mid)
	if err != nil {
		return err
	}

	var src core.DeviceSource
	if cfg.Media.Synthetic {
		src = device.NewSynthetic()
	} else if src, err = device.NewCapture(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	video := domain.Constraints{Width: cfg.Media.VideoWidth, Height: cfg.Media.VideoHeight, FrameRate: cfg.Media.FrameRate}
	devices := media.NewManager(src, map[domain.TrackKind]domain.Constraints{
		domain.TrackVideo:  video,
		domain.TrackScreen: {FrameRate: cfg.Media.FrameRate},
	})

	peers, err := rtc.NewFactory(rtc.DefaultWebRTCConfig(cfg.Media.ICEServers...), nil)
	if err != nil {
		return err
	}

	ws := wsclient.New(wsclient.Config{
		URL:               cfg.Signal.URL,
		Token:             token,
		ReconnectAttempts: cfg.Signal.ReconnectAttempts,
		Backoff:           cfg.Signal.Backoff,
	})
	projector := history.NewProjector(api, history.Options{})

	engine := &orch.Orchestrator{
		Config: orch.Config{
			Self:               self,
			RingTimeout:        cfg.Call.RingTimeout,
			ConnectTimeout:     cfg.Call.ConnectTimeout,
			NegotiationTimeout: cfg.Call.NegotiationTimeout,
			AloneTimeout:       cfg.Call.AloneTimeout,
		},
		Registry:  app.NewRegistry(10 * time.Minute),
		Directory: api,
		Signal:    ws,
		Policy:    app.NewCallPolicy(cfg.Call.RelayThreshold),
		Media:     devices,
		Peers:     peers,
		Relays:    sfu.NewAdapter(livekit.NewConnector(), api),
		History:   projector,
	}

	// signaling and history outlive ctx so the shutdown hangup and its record
	// still go out
	bg, stopBg := context.WithCancel(context.Background())
	defer stopBg()
	wsDone := make(chan error, 1)
	go func() { wsDone <- ws.Run(bg) }()
	go func() { _ = projector.Run(bg) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-wsDone:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		select {
		case <-ws.Connected():
		case <-gctx.Done():
			return nil
		}
		a := newAgent(engine, cfg.Agent)
		return a.run(gctx)
	})
	err = g.Wait()

	engine.Close()
	projector.Close()
	select {
	case <-projector.Done():
	case <-time.After(5 * time.Second):
		log.Warn().Msg("history flush timed out")
	}
	stopBg()
	log.Info().Str("member", string(mid)).Msg("callagent exited")
	return err
}

func lookupSelf(ctx context.Context, dir core.Directory, mid domain.MemberID) (domain.Member, error) {
	chats, err := dir.ChatsOf(ctx, mid)
	if err != nil {
		return domain.Member{}, err
	}
	for _, id := range chats {
		chat, err := dir.Chat(ctx, id)
		if err != nil {
			return domain.Member{}, err
		}
		for _, m := range chat.Members {
			if m.ID == mid {
				return m, nil
			}
		}
	}
	return domain.Member{}, fmt.Errorf("%w: %s", domain.ErrNotMember, mid)
}
