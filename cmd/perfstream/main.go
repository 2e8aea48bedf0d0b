package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/naturalstream/internal/protocol"
)

type options struct {
	baseURL     string
	transport   string
	turns       int
	concurrency int
	turnTimeout time.Duration
	texts       []string
	verbose     bool
}

// sample is the timing of one replayed turn.
type sample struct {
	firstFragment time.Duration
	total         time.Duration
	bytes         int
}

var defaultUtterances = []string{
	"What is machine learning?",
	"How should I plan a small vegetable garden?",
	"Explain the difference between latency and throughput.",
	"What makes a good code review?",
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "perfstream: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg options
	var textsRaw string

	cmd := &cobra.Command{
		Use:           "perfstream",
		Short:         "Replay chat turns against a running fusion server and report latency percentiles",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.normalize(textsRaw); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "fusion server base URL")
	flags.StringVar(&cfg.transport, "transport", "http", "turn transport: http or ws")
	flags.IntVarP(&cfg.turns, "turns", "n", 10, "number of turns to replay")
	flags.IntVarP(&cfg.concurrency, "concurrency", "c", 1, "turns in flight at once")
	flags.DurationVar(&cfg.turnTimeout, "turn-timeout", 30*time.Second, "timeout for one turn")
	flags.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flags.BoolVarP(&cfg.verbose, "verbose", "v", false, "print every turn")
	return cmd
}

func (o *options) normalize(textsRaw string) error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	o.transport = strings.ToLower(strings.TrimSpace(o.transport))
	if o.transport != "http" && o.transport != "ws" {
		return fmt.Errorf("transport must be http or ws")
	}
	if o.turns <= 0 {
		return fmt.Errorf("turns must be > 0")
	}
	if o.concurrency <= 0 {
		o.concurrency = 1
	}
	if o.turnTimeout < time.Second {
		o.turnTimeout = time.Second
	}
	o.texts = parseTexts(textsRaw)
	if len(o.texts) == 0 {
		o.texts = append([]string(nil), defaultUtterances...)
	}
	return nil
}

func parseTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(ctx context.Context, cfg options, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client := &http.Client{}

	var (
		mu      sync.Mutex
		samples []sample
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		g.Go(func() error {
			turnCtx, cancel := context.WithTimeout(gctx, cfg.turnTimeout)
			defer cancel()

			var s sample
			var err error
			if cfg.transport == "ws" {
				s, err = runWSTurn(turnCtx, cfg.baseURL, text)
			} else {
				s, err = runHTTPTurn(turnCtx, client, cfg.baseURL, text)
			}
			if err != nil {
				return fmt.Errorf("turn %d: %w", i+1, err)
			}
			if cfg.verbose {
				fmt.Fprintf(out, "perfstream: turn %d first_fragment=%s total=%s bytes=%d\n", i+1, s.firstFragment, s.total, s.bytes)
			}
			mu.Lock()
			samples = append(samples, s)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	printSummary(out, samples)
	return nil
}

func chatBody(text string) ([]byte, error) {
	return json.Marshal(protocol.ChatRequest{
		Messages: []protocol.ChatMessage{{Role: protocol.RoleUser, Content: text}},
	})
}

func runHTTPTurn(ctx context.Context, client *http.Client, baseURL, text string) (sample, error) {
	payload, err := chatBody(text)
	if err != nil {
		return sample{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat", bytes.NewReader(payload))
	if err != nil {
		return sample{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res, err := client.Do(req)
	if err != nil {
		return sample{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		return sample{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var s sample
	buf := make([]byte, 4096)
	for {
		n, err := res.Body.Read(buf)
		if n > 0 {
			if s.bytes == 0 {
				s.firstFragment = time.Since(start)
			}
			s.bytes += n
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sample{}, err
		}
	}
	s.total = time.Since(start)
	if s.bytes == 0 {
		return sample{}, fmt.Errorf("empty response stream")
	}
	return s, nil
}

func wsURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/ws"
	return u.String(), nil
}

func runWSTurn(ctx context.Context, baseURL, text string) (sample, error) {
	target, err := wsURL(baseURL)
	if err != nil {
		return sample{}, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return sample{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	start := time.Now()
	if err := conn.WriteJSON(protocol.ClientChatRequest{
		Type:     protocol.TypeChatRequest,
		Messages: []protocol.ChatMessage{{Role: protocol.RoleUser, Content: text}},
	}); err != nil {
		return sample{}, err
	}

	var s sample
	for {
		var env protocol.TurnTextDelta
		if err := conn.ReadJSON(&env); err != nil {
			return sample{}, err
		}
		switch env.Type {
		case protocol.TypeTextDelta:
			if s.bytes == 0 {
				s.firstFragment = time.Since(start)
			}
			s.bytes += len(env.Delta)
		case protocol.TypeTurnEnd:
			s.total = time.Since(start)
			return s, nil
		case protocol.TypeErrorEvent:
			return sample{}, fmt.Errorf("server error event")
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printSummary(out io.Writer, samples []sample) {
	first := make([]time.Duration, 0, len(samples))
	total := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		first = append(first, s.firstFragment)
		total = append(total, s.total)
	}
	sort.Slice(first, func(i, j int) bool { return first[i] < first[j] })
	sort.Slice(total, func(i, j int) bool { return total[i] < total[j] })

	fmt.Fprintf(out, "perfstream: turns=%d\n", len(samples))
	fmt.Fprintf(out, "  first_fragment p50=%s p95=%s max=%s\n", percentile(first, 0.5), percentile(first, 0.95), percentile(first, 1))
	fmt.Fprintf(out, "  turn_total     p50=%s p95=%s max=%s\n", percentile(total, 0.5), percentile(total, 0.95), percentile(total, 1))
}
