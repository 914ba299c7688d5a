package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/snapgram/presence-relay/loadtest/client"
	"github.com/snapgram/presence-relay/loadtest/stats"
)

// chatPayload is what the load test sends with chat:send. The relay forwards
// it verbatim, so the receiver can compute latency from SentAt.
type chatPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Text   string `json:"text"`
	SentAt int64  `json:"sentAt"` // unix nanos
}

// runChat connects pairs of users and has each side send messages to the
// other at a fixed rate, then reports delivery latency and loss.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3001/ws", "Relay WebSocket URL")
	metricsURL := fs.String("metrics", "", "Relay /metrics URL to scrape (optional)")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	messages := fs.Int("messages", 20, "Messages each user sends")
	interval := fs.Duration("interval", 200*time.Millisecond, "Delay between messages per user")
	drain := fs.Duration("drain", 3*time.Second, "Time to wait for in-flight deliveries after sending")
	fs.Parse(args)

	fmt.Printf("Chat test: %d pairs, %d messages/user every %s against %s\n",
		*pairs, *messages, *interval, *url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	// -----------------------------------------------------------------------
	// Connect phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Connect phase ---")

	type pair struct{ a, b *client.Client }
	var (
		mu        sync.Mutex
		connected []pair
		wg        sync.WaitGroup
	)

	connect := func(userID string) *client.Client {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := client.New(connCtx, *url, userID)
		if err != nil {
			collector.AddError()
			return nil
		}
		c.On(client.EventChatMessage, func(data json.RawMessage) {
			var p chatPayload
			if err := json.Unmarshal(data, &p); err != nil || p.To != userID {
				collector.AddError()
				return
			}
			collector.AddDelivery(time.Since(time.Unix(0, p.SentAt)))
		})
		if err := c.WaitReady(connCtx); err != nil {
			collector.AddError()
			c.Close()
			return nil
		}
		m := c.GetMetrics()
		collector.AddConnect(m.ConnectLatency, m.ReadyLatency)
		return c
	}

	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := connect(fmt.Sprintf("lt-chat-%d-a", i))
			b := connect(fmt.Sprintf("lt-chat-%d-b", i))
			if a == nil || b == nil {
				if a != nil {
					a.Close()
				}
				if b != nil {
					b.Close()
				}
				return
			}
			mu.Lock()
			connected = append(connected, pair{a, b})
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	fmt.Printf("Connected %d/%d pairs (%d errors)\n", len(connected), *pairs, collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Send phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Send phase ---")

	send := func(from, to *client.Client) {
		defer wg.Done()
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for n := 0; n < *messages; n++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := from.Send(client.EventChatSend, chatPayload{
				From:   from.UserID,
				To:     to.UserID,
				Text:   fmt.Sprintf("message %d", n),
				SentAt: time.Now().UnixNano(),
			})
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddSent()
		}
	}

	for _, p := range connected {
		wg.Add(2)
		go send(p.a, p.b)
		go send(p.b, p.a)
	}
	wg.Wait()

	select {
	case <-ctx.Done():
	case <-time.After(*drain):
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	for _, p := range connected {
		p.a.Close()
		p.b.Close()
	}

	collector.Report()
}
