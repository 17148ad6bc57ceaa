package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"blip/pkg/blip"
	"blip/pkg/config"
	"blip/pkg/observability"
	"blip/pkg/transport"
	"blip/pkg/transport/factory"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("blip-echod started", zap.String("app", cfg.AppName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connOpts := blip.Options{
		MaxFrameSize: cfg.Connection.MaxFrameSizeBytes,
		SendWindow:   cfg.Connection.SendWindowBytes,
		Logger:       logger,
	}

	started := 0
	for _, tc := range cfg.Transports {
		tr, err := factory.NewByKind(tc.Kind)
		if err != nil {
			zap.L().Error("skipping transport", zap.String("kind", tc.Kind), zap.Error(err))
			continue
		}
		for _, addr := range tc.Listen {
			l, err := tr.Listen(ctx, addr)
			if err != nil {
				zap.L().Error("listen failed",
					zap.String("kind", tc.Kind), zap.String("addr", addr), zap.Error(err))
				continue
			}
			zap.L().Info("listening",
				zap.String("kind", tc.Kind), zap.String("addr", l.Addr().String()))
			go acceptLoop(ctx, l, connOpts)
			started++
		}
	}
	if started == 0 {
		zap.L().Error("no transports started")
		return 1
	}

	zap.L().Info("echo server is running; press Ctrl+C to exit")
	select {}
}

func acceptLoop(ctx context.Context, l transport.Listener, opts blip.Options) {
	for {
		st, err := l.Accept(ctx)
		if err != nil {
			return
		}
		blip.NewConnection(st, &echoDelegate{log: opts.Logger}, opts)
	}
}

// echoDelegate answers every request with its own body and Content-Type.
type echoDelegate struct {
	blip.NopDelegate
	log *zap.Logger
}

func (d *echoDelegate) OnRequestReceived(req *blip.MessageIn) {
	d.log.Info("request",
		zap.Uint64("msg", uint64(req.Number())),
		zap.String("profile", req.Profile()),
		zap.Int("body_bytes", len(req.Body())))
	if req.NoReply() {
		return
	}
	resp := blip.NewResponseBuilder(req)
	if ct := req.ContentType(); ct != "" {
		resp.AddProperty(blip.PropertyContentType, ct)
	}
	_, _ = resp.Write(req.Body())
	req.Respond(resp)
}
