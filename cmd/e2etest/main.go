// Command e2etest runs end-to-end scenarios against a running rawchat
// server: health, handshake, pairing, signal relay, reporting and partner
// departure.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rawchat/rawchat/internal/protocol"
	"github.com/rawchat/rawchat/internal/wsclient"
)

type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

func pass(name string) scenarioResult { return scenarioResult{name, resultPass, ""} }

func fail(name string, format string, args ...interface{}) scenarioResult {
	return scenarioResult{name, resultFail, fmt.Sprintf(format, args...)}
}

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "global test timeout")
	flag.Parse()

	fmt.Println("=== rawchat E2E ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult
	results = append(results, scenarioHealth(ctx, *apiBase))
	results = append(results, scenarioHandshake(ctx, *wsURL))
	results = append(results, scenarioMissingDevice(ctx, *wsURL))
	results = append(results, scenarioPairRelayLeave(ctx, *wsURL)...)
	results = append(results, scenarioMetrics(ctx, *apiBase))

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

func newDevice() string {
	return "e2e-" + uuid.NewString()
}

func scenarioHealth(ctx context.Context, apiBase string) scenarioResult {
	name := "Health check"

	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return fail(name, "/health: %v", err)
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return fail(name, "decode: %v", err)
	}
	if health.Status != "ok" {
		return fail(name, "status=%q", health.Status)
	}
	return pass(name)
}

func scenarioHandshake(ctx context.Context, wsURL string) scenarioResult {
	name := "Connect handshake"

	c, err := wsclient.Dial(ctx, wsURL, newDevice())
	if err != nil {
		return fail(name, "dial: %v", err)
	}
	defer c.Close()

	id, err := c.SessionID(ctx)
	if err != nil {
		return fail(name, "%v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fail(name, "session id %q is not a UUID", id)
	}

	if err := c.Ping(); err != nil {
		return fail(name, "ping: %v", err)
	}
	if _, err := c.Expect(ctx, protocol.EventPong); err != nil {
		return fail(name, "%v", err)
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("connect=%s", c.Metrics().ConnectLatency.Round(time.Millisecond))}
}

func scenarioMissingDevice(ctx context.Context, wsURL string) scenarioResult {
	name := "Connect without device id"

	c, err := wsclient.Dial(ctx, wsURL, "")
	if err != nil {
		// Refused before upgrade also counts.
		return pass(name)
	}
	defer c.Close()

	f, err := c.Next(ctx)
	if err == nil {
		return fail(name, "got %s frame, want close", f.Event)
	}
	return pass(name)
}

// scenarioPairRelayLeave shares one pair of clients across pairing, relay,
// reporting and departure.
func scenarioPairRelayLeave(ctx context.Context, wsURL string) []scenarioResult {
	pairName := "Pairing"
	relayName := "Signal relay"
	reportName := "Report acknowledgement"
	leaveName := "Partner disconnected"
	skipped := func(reason string) []scenarioResult {
		return []scenarioResult{
			fail(relayName, "skipped: %s", reason),
			fail(reportName, "skipped: %s", reason),
			fail(leaveName, "skipped: %s", reason),
		}
	}

	a, err := wsclient.Dial(ctx, wsURL, newDevice())
	if err != nil {
		return append([]scenarioResult{fail(pairName, "dial a: %v", err)}, skipped("no client")...)
	}
	defer a.Close()
	b, err := wsclient.Dial(ctx, wsURL, newDevice())
	if err != nil {
		return append([]scenarioResult{fail(pairName, "dial b: %v", err)}, skipped("no client")...)
	}
	defer b.Close()

	idA, errA := a.SessionID(ctx)
	idB, errB := b.SessionID(ctx)
	if errA != nil || errB != nil {
		return append([]scenarioResult{fail(pairName, "session: %v / %v", errA, errB)}, skipped("no session")...)
	}

	// Assumes no other client is waiting on the server.
	if err := a.FindPartner(); err != nil {
		return append([]scenarioResult{fail(pairName, "find a: %v", err)}, skipped("no pair")...)
	}
	if _, err := a.Expect(ctx, protocol.EventWaitingForPartner); err != nil {
		return append([]scenarioResult{fail(pairName, "%v", err)}, skipped("no pair")...)
	}
	if err := b.FindPartner(); err != nil {
		return append([]scenarioResult{fail(pairName, "find b: %v", err)}, skipped("no pair")...)
	}

	var foundA, foundB protocol.PartnerFoundMsg
	fa, errA := a.Expect(ctx, protocol.EventPartnerFound)
	fb, errB := b.Expect(ctx, protocol.EventPartnerFound)
	if errA != nil || errB != nil {
		return append([]scenarioResult{fail(pairName, "%v / %v", errA, errB)}, skipped("no pair")...)
	}
	_ = fa.Decode(&foundA)
	_ = fb.Decode(&foundB)
	if foundA.PartnerID != idB || foundB.PartnerID != idA {
		return append([]scenarioResult{fail(pairName, "a->%s b->%s", foundA.PartnerID, foundB.PartnerID)}, skipped("wrong pair")...)
	}
	results := []scenarioResult{pass(pairName)}

	// Relay.
	if err := a.Signal(map[string]interface{}{"type": "offer", "sdp": "v=0\r\n"}); err != nil {
		results = append(results, fail(relayName, "send: %v", err))
	} else if f, err := b.Expect(ctx, protocol.EventSignal); err != nil {
		results = append(results, fail(relayName, "%v", err))
	} else {
		var sig map[string]interface{}
		switch {
		case f.Decode(&sig) != nil:
			results = append(results, fail(relayName, "decode: %s", f.Data))
		case sig["from"] != idA || sig["type"] != "offer":
			results = append(results, fail(relayName, "payload %s", f.Data))
		default:
			results = append(results, pass(relayName))
		}
	}

	// Report.
	if err := b.Report("e2e"); err != nil {
		results = append(results, fail(reportName, "send: %v", err))
	} else if f, err := b.Expect(ctx, protocol.EventReportReceived); err != nil {
		results = append(results, fail(reportName, "%v", err))
	} else {
		var ack protocol.ReportReceivedMsg
		_ = f.Decode(&ack)
		results = append(results, scenarioResult{reportName, resultPass, ack.Message})
	}

	// Leave.
	_ = a.Close()
	if _, err := b.Expect(ctx, protocol.EventPartnerDisconnected); err != nil {
		results = append(results, fail(leaveName, "%v", err))
	} else {
		results = append(results, pass(leaveName))
	}
	return results
}

func scenarioMetrics(ctx context.Context, apiBase string) scenarioResult {
	name := "Metrics endpoint (optional)"
	body, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	if !strings.Contains(string(body), "rawchat_sessions_active") {
		return scenarioResult{name, resultInfo, "rawchat metrics missing"}
	}
	return scenarioResult{name, resultInfo, "ok"}
}

func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
