// Command sse-load holds many task stream connections open and counts delivered pages.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

type counters struct {
	attempts uint64
	failures uint64
	pages    uint64
	tasks    uint64
	errors   uint64
}

type streamPage struct {
	Tasks []struct {
		ID string `json:"id"`
	} `json:"tasks"`
	FromServer bool `json:"fromServer"`
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	i, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return i
}

func main() {
	streamURL := getenv("STREAM_URL", "http://localhost:8080/api/tasks/stream")
	conns := getenvInt("SSE_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second
	bearer := os.Getenv("TEST_BEARER")

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var c counters
	client := &http.Client{}
	var wg sync.WaitGroup
	wg.Add(conns)
	for range conns {
		go func() {
			defer wg.Done()
			c.connect(ctx, client, streamURL, bearer)
		}()
	}

	go func() {
		select {
		case <-time.After(60 * time.Second):
			if atomic.LoadUint64(&c.pages) == 0 {
				log.Error("no pages received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	attempts := atomic.LoadUint64(&c.attempts)
	failures := atomic.LoadUint64(&c.failures)
	failureRate := 0.0
	if attempts > 0 {
		failureRate = float64(failures) / float64(attempts)
	}
	fmt.Printf("connections=%d duration_sec=%d pages=%d tasks=%d error_events=%d connection_failures=%d\n",
		conns, int(duration.Seconds()), atomic.LoadUint64(&c.pages), atomic.LoadUint64(&c.tasks),
		atomic.LoadUint64(&c.errors), failures)
	if atomic.LoadUint64(&c.pages) == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}

func (c *counters) connect(ctx context.Context, client *http.Client, url, bearer string) {
	backoff := time.Second
	retry := func() {
		atomic.AddUint64(&c.failures, 1)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		backoff = min(backoff*2, 5*time.Second)
	}
	for ctx.Err() == nil {
		atomic.AddUint64(&c.attempts, 1)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			retry()
			continue
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := client.Do(req)
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			retry()
			continue
		}
		backoff = time.Second
		c.consume(resp.Body)
		resp.Body.Close()
		if ctx.Err() != nil {
			return
		}
		retry()
	}
}

// consume reads server-sent events until the stream ends.
func (c *counters) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event == "error" {
				atomic.AddUint64(&c.errors, 1)
				continue
			}
			var page streamPage
			if err := sonic.UnmarshalString(strings.TrimSpace(strings.TrimPrefix(line, "data:")), &page); err != nil {
				log.WithError(err).Debug("undecodable page")
				continue
			}
			atomic.AddUint64(&c.pages, 1)
			atomic.AddUint64(&c.tasks, uint64(len(page.Tasks)))
		}
	}
}
