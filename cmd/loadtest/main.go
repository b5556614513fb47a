package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Result is the HTTP outcome of one request.
type Result struct {
	Status int
	Body   string
	Err    error
}

type placeReq struct {
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	productID := flag.String("product", "sku-1", "product id")
	stock := flag.Int64("stock", 10, "units to restock before the run, 0 to skip")
	price := flag.Int64("price", 1999, "unit price in cents")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token")
	nUsers := flag.Int("users", 200, "distinct users")
	concurrency := flag.Int("c", 50, "max concurrency")
	burst := flag.Int("burst", 50, "requests from one user for the rate limit run")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	admin := map[string]string{"X-Admin-Token": *adminToken}

	if *stock > 0 {
		if err := doJSON(client, http.MethodPost, *baseURL+"/api/admin/restock",
			map[string]any{"product_id": *productID, "quantity": *stock}, admin); err != nil {
			panic(fmt.Sprintf("restock failed: %v", err))
		}
		if err := doJSON(client, http.MethodPut, *baseURL+"/api/admin/prices/"+*productID,
			map[string]any{"price": *price}, admin); err != nil {
			panic(fmt.Sprintf("set price failed: %v", err))
		}
		fmt.Println("restock ok")
	}

	// oversell: many users race for a few units; accepted orders must not exceed stock
	fmt.Printf("start oversell test: product=%s users=%d concurrency=%d\n", *productID, *nUsers, *concurrency)
	results := runPlace(client, *baseURL, *concurrency, *nUsers, func(i int) placeReq {
		return placeReq{UserID: fmt.Sprintf("load-user-%d", i+1), ProductID: *productID, Quantity: 1}
	})
	printSummary("oversell", results)
	if accepted := countStatus(results, http.StatusAccepted); *stock > 0 && int64(accepted) > *stock {
		fmt.Printf("OVERSOLD: accepted=%d stock=%d\n", accepted, *stock)
	}

	if cache, ledger, err := getStock(client, *baseURL, *productID); err != nil {
		fmt.Println("stock check err:", err)
	} else {
		fmt.Printf("final stock: cache=%d ledger=%d\n", cache, ledger)
	}

	// rate limit: one user hammering intake
	fmt.Printf("\nstart rate limit test: same user, %d requests\n", *burst)
	results = runPlace(client, *baseURL, *burst, *burst, func(int) placeReq {
		return placeReq{UserID: "load-user-burst", ProductID: *productID, Quantity: 1}
	})
	printSummary("rate_limit", results)
}

func runPlace(client *http.Client, baseURL string, concurrency, total int, build func(i int) placeReq) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = placeOnce(client, baseURL, build(idx))
		}(i)
	}

	wg.Wait()
	return results
}

func placeOnce(client *http.Client, baseURL string, req placeReq) Result {
	b, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest(http.MethodPost, baseURL+"/api/orders", bytes.NewReader(b))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(body)}
}

func countStatus(results []Result, status int) int {
	n := 0
	for _, r := range results {
		if r.Err == nil && r.Status == status {
			n++
		}
	}
	return n
}

func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	codes := make([]int, 0, len(count))
	for code := range count {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range codes {
		fmt.Printf("  %d -> %d\n", code, count[code])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

func doJSON(client *http.Client, method, url string, body any, headers map[string]string) error {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(method, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// getStock reads both stock views after the run to check for overselling.
func getStock(client *http.Client, baseURL, productID string) (cache, ledger int64, err error) {
	resp, err := client.Get(baseURL + "/api/stock/" + productID)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Code int `json:"code"`
		Data struct {
			Cache  int64 `json:"cache"`
			Ledger int64 `json:"ledger"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, 0, err
	}
	return out.Data.Cache, out.Data.Ledger, nil
}
