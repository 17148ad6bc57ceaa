package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"blip/pkg/blip"
	"blip/pkg/transport/factory"
)

func main() {
	kind := flag.String("kind", "ws", "transport kind: ws|tcp|quic")
	addr := flag.String("addr", "localhost:4984", "address to connect to")
	count := flag.Int("count", 3, "number of requests to send")
	bodySize := flag.Int("body-size", 0, "body bytes per request")
	profile := flag.String("profile", "ping", "Profile property value")
	urgent := flag.Bool("urgent", false, "send requests urgent")
	timeout := flag.Duration("timeout", 10*time.Second, "dial/response timeout")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	tr, err := factory.NewByKind(*kind)
	if err != nil {
		fatalf("new transport: %v", err)
	}
	st, err := tr.Dial(ctx, *addr)
	if err != nil {
		fatalf("dial: %v", err)
	}

	conn := blip.NewConnection(st, blip.NopDelegate{}, blip.Options{Logger: logger})
	defer func() { _ = conn.Close() }()

	body := []byte(strings.Repeat("z", *bodySize))
	for i := 0; i < *count; i++ {
		b := blip.NewMessageBuilder()
		b.Urgent = *urgent
		b.AddProperty(blip.PropertyProfile, *profile)
		_, _ = b.Write(body)

		start := time.Now()
		req, err := conn.SendRequest(b)
		if err != nil {
			fatalf("send: %v", err)
		}
		resp, err := req.FutureResponse().Response(ctx)
		if err != nil {
			fatalf("response: %v", err)
		}
		if resp.Type() == blip.TypeError {
			fatalf("error reply: domain=%s code=%d", resp.ErrorDomain(), resp.ErrorCode())
		}
		fmt.Printf("#%d: %d body bytes in %v\n",
			req.Number(), len(resp.Body()), time.Since(start).Round(time.Microsecond))
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
