package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rl1809/stock-reservation/internal/adapter/handler"
	"github.com/rl1809/stock-reservation/internal/core/domain"
)

func main() {
	var (
		addr        = flag.String("addr", "http://localhost:8080", "intake base URL")
		item        = flag.String("item", "apple", "item to order")
		initial     = flag.Int("initial", 100, "quantity the item was seeded with")
		requests    = flag.Int("requests", 500, "number of orders to submit")
		quantity    = flag.Int("quantity", 1, "quantity per order")
		concurrency = flag.Int("concurrency", 50, "parallel submitters")
		wait        = flag.Duration("wait", 30*time.Second, "how long to wait for outcomes")
	)
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	var (
		mu          sync.Mutex
		accepted    []string
		rejected    atomic.Int32
		unavailable atomic.Int32
		failed      atomic.Int32
	)

	start := time.Now()
	g := new(errgroup.Group)
	g.SetLimit(*concurrency)
	for i := 0; i < *requests; i++ {
		g.Go(func() error {
			id, code, err := submit(client, *addr, *item, *quantity)
			switch classify(code, err) {
			case resultAccepted:
				mu.Lock()
				accepted = append(accepted, id)
				mu.Unlock()
			case resultRejected:
				rejected.Add(1)
			case resultUnavailable:
				unavailable.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	g.Wait()
	submitted := time.Since(start)

	fmt.Println("========== Submission ==========")
	fmt.Printf("Requests:          %d\n", *requests)
	fmt.Printf("Accepted (202):    %d\n", len(accepted))
	fmt.Printf("Rejected (4xx):    %d\n", rejected.Load())
	fmt.Printf("Unavailable (5xx): %d\n", unavailable.Load())
	fmt.Printf("Transport errors:  %d\n", failed.Load())
	fmt.Printf("Duration:          %v\n", submitted)

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	outcomes := make(map[domain.Outcome]int)
	pending := 0
	for _, id := range accepted {
		outcome, err := awaitOutcome(ctx, client, *addr, id)
		if err != nil {
			pending++
			continue
		}
		outcomes[outcome]++
	}

	applied := outcomes[domain.OutcomeApplied]
	fmt.Println("========== Outcomes ==========")
	fmt.Printf("Applied:          %d\n", applied)
	fmt.Printf("Insufficient:     %d\n", outcomes[domain.OutcomeRejectedInsufficient])
	fmt.Printf("Unknown item:     %d\n", outcomes[domain.OutcomeRejectedUnknownItem])
	fmt.Printf("Still pending:    %d\n", pending)

	sold := applied * *quantity
	if sold > *initial {
		log.Fatalf("OVERSOLD: applied %d units of %s, only %d existed", sold, *item, *initial)
	}
	fmt.Println("No oversell detected")
}

type result int

const (
	resultTransportError result = iota
	resultAccepted
	resultRejected
	resultUnavailable
)

func classify(code int, err error) result {
	switch {
	case err != nil:
		return resultTransportError
	case code == http.StatusAccepted:
		return resultAccepted
	case code >= http.StatusInternalServerError:
		return resultUnavailable
	case code >= http.StatusBadRequest:
		return resultRejected
	default:
		return resultTransportError
	}
}

func submit(client *http.Client, addr, item string, qty int) (string, int, error) {
	body, err := json.Marshal(handler.OrderHTTPRequest{Item: item, Quantity: qty})
	if err != nil {
		return "", 0, err
	}
	resp, err := client.Post(addr+"/order", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", resp.StatusCode, nil
	}
	var out handler.OrderHTTPResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", resp.StatusCode, err
	}
	return out.OrderID, resp.StatusCode, nil
}

func awaitOutcome(ctx context.Context, client *http.Client, addr, orderID string) (domain.Outcome, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/order/"+orderID, nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err == nil {
			var status handler.OrderStatusResponse
			ok := resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&status) == nil
			resp.Body.Close()
			if ok {
				return status.Outcome, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
