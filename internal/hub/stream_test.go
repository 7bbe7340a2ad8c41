package hub

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/ccnx-streamer/internal/consumer"
	"github.com/dgnsrekt/ccnx-streamer/internal/netclient"
	"github.com/dgnsrekt/ccnx-streamer/internal/netloop"
	"github.com/dgnsrekt/ccnx-streamer/internal/producer"
	"github.com/dgnsrekt/ccnx-streamer/internal/sign"
)

func TestStreamThroughHub(t *testing.T) {
	for _, compression := range []string{"none", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			_, _, url := startHub(t)
			logger := zap.NewNop()
			prefix := mustName(t, "ccnx:/e2e/stream")
			net := netloop.Config{Host: url, PollTimeout: 5 * time.Millisecond}

			signer, err := sign.GenerateKey()
			if err != nil {
				t.Fatalf("GenerateKey failed: %v", err)
			}

			input := make([]byte, 50000)
			rng := rand.New(rand.NewSource(1))
			for i := range input {
				input[i] = byte(rng.Intn(256))
			}

			prodClient := netclient.NewWebSocketClient(netclient.Options{Compression: compression}, logger)
			prod, err := producer.New(producer.Config{
				Prefix:      prefix,
				SegmentSize: 4000,
				Net:         net,
			}, prodClient, signer, logger)
			if err != nil {
				t.Fatalf("producer.New failed: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := prod.Start(ctx); err != nil {
				t.Fatalf("producer Start failed: %v", err)
			}

			consClient := netclient.NewWebSocketClient(netclient.Options{Compression: compression}, logger)
			cons, err := consumer.New(consumer.Config{
				Prefix:      prefix,
				RetryLimit:  20,
				MetaTimeout: 200 * time.Millisecond,
				Verifier:    sign.NewKeyVerifier(signer.PublicKey()),
				Net:         net,
			}, consClient, logger)
			if err != nil {
				t.Fatalf("consumer.New failed: %v", err)
			}
			cons.Start(ctx)
			defer cons.Close()

			resolved := make(chan struct{})
			published := make(chan error, 1)
			go func() {
				if _, err := prod.Write(input); err != nil {
					published <- err
					return
				}
				<-resolved
				published <- prod.Close()
			}()

			for cons.Stats().Version == 0 {
				if ctx.Err() != nil {
					t.Fatal("consumer never resolved the stream version")
				}
				time.Sleep(10 * time.Millisecond)
			}
			close(resolved)

			got, err := io.ReadAll(cons)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if !bytes.Equal(got, input) {
				t.Errorf("received %d bytes, want %d identical bytes", len(got), len(input))
			}
			if err := <-published; err != nil {
				t.Errorf("producer failed: %v", err)
			}
			cons.Close()

			st := cons.Stats()
			if st.Delivered != 13 || len(st.Gaps) != 0 || st.Rejected != 0 {
				t.Errorf("unexpected consumer stats %+v", st)
			}
			if v, _ := prod.Name().Version(); v != st.Version {
				t.Errorf("consumer fetched version %d, producer published %d", st.Version, v)
			}
		})
	}
}
