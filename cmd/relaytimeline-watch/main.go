package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaytimeline/internal/config"
)

// watchSettings are the RELAYTIMELINE_* defaults for the command line flags.
type watchSettings struct {
	BaseURL      string        `env:"BASE_URL" envDefault:"http://127.0.0.1:8080"`
	Token        string        `env:"TOKEN"`
	Brand        string        `env:"BRAND"`
	Conversation string        `env:"CONVERSATION"`
	Retry        time.Duration `env:"WATCH_RETRY" envDefault:"2s"`
	RetryJitter  float64       `env:"WATCH_RETRY_JITTER" envDefault:"0.2"`
}

func loadWatchSettings() (watchSettings, error) {
	var settings watchSettings
	if err := config.ParseEnv(&settings); err != nil {
		return watchSettings{}, err
	}
	return settings, nil
}

func main() {
	defaults, err := loadWatchSettings()
	if err != nil {
		log.Fatalf("invalid environment: %v", err)
	}
	baseURL := flag.String("base-url", defaults.BaseURL, "relaytimeline base URL")
	token := flag.String("token", strings.TrimSpace(defaults.Token), "bearer token")
	brandID := flag.String("brand", strings.TrimSpace(defaults.Brand), "brand ID")
	conversationID := flag.String("conversation", strings.TrimSpace(defaults.Conversation), "conversation ID")
	retry := flag.Duration("retry", defaults.Retry, "reconnect interval")
	retryJitter := flag.Float64("retry-jitter", defaults.RetryJitter, "reconnect jitter ratio (0.0-1.0)")
	once := flag.Bool("once", false, "exit when the first connection ends")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or RELAYTIMELINE_TOKEN)")
	}
	if strings.TrimSpace(*brandID) == "" {
		log.Fatalf("brand is required (--brand or RELAYTIMELINE_BRAND)")
	}
	if strings.TrimSpace(*conversationID) == "" {
		log.Fatalf("conversation is required (--conversation or RELAYTIMELINE_CONVERSATION)")
	}
	if *retry <= 0 {
		*retry = 2 * time.Second
	}

	streamURL, err := streamURLFor(*baseURL, *brandID, *conversationID)
	if err != nil {
		log.Fatalf("invalid base url: %v", err)
	}
	w := &watcher{
		url:    streamURL,
		token:  strings.TrimSpace(*token),
		out:    os.Stdout,
		logger: log.Default(),
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		err := w.follow(rootCtx, http.Header{})
		if rootCtx.Err() != nil {
			log.Printf("watch stopping: %v", rootCtx.Err())
			return
		}
		if err != nil {
			log.Printf("stream connection ended: %v", err)
		}
		if *once {
			return
		}
		timer := time.NewTimer(reconnectDelay(*retry, *retryJitter, rng.Float64()))
		select {
		case <-rootCtx.Done():
			timer.Stop()
			log.Printf("watch stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
		}
	}
}

// reconnectDelay spreads base by up to jitter in either direction. sample is
// a uniform draw from [0, 1].
func reconnectDelay(base time.Duration, jitter, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitter = min(max(jitter, 0), 1)
	sample = min(max(sample, 0), 1)
	delay := time.Duration(float64(base) * (1 + (2*sample-1)*jitter))
	return max(delay, time.Millisecond)
}
