package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"larabbs.org/internal/auth"
	"larabbs.org/internal/grpcapi"
)

type tokenBody struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	log.SetFlags(0)
	var (
		baseURL  = env("LARABBS_SMOKE_URL", "http://localhost:8080")
		grpcAddr = env("LARABBS_SMOKE_GRPC_ADDR", "localhost:9090")
		username = os.Getenv("LARABBS_SMOKE_USERNAME")
		password = os.Getenv("LARABBS_SMOKE_PASSWORD")
	)
	if username == "" || password == "" {
		log.Fatal("LARABBS_SMOKE_USERNAME and LARABBS_SMOKE_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := &http.Client{Timeout: 5 * time.Second}

	var first tokenBody
	call(ctx, client, http.MethodPost, baseURL+"/v1/authorizations", "",
		map[string]string{"username": username, "password": password}, http.StatusCreated, &first)
	if first.AccessToken == "" || first.ExpiresIn <= 0 {
		log.Fatalf("login returned an unusable token: %+v", first)
	}

	var me map[string]any
	call(ctx, client, http.MethodGet, baseURL+"/v1/user", first.AccessToken, nil, http.StatusOK, &me)

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial grpc at %s: %v", grpcAddr, err)
	}
	defer conn.Close()
	verifier := grpcapi.NewClient(conn)
	id, err := verifier.Verify(ctx, first.AccessToken)
	if err != nil {
		log.Fatalf("grpc verify: %v", err)
	}
	if id.UserID != me["id"] {
		log.Fatalf("grpc identity %q does not match /v1/user id %v", id.UserID, me["id"])
	}

	var second tokenBody
	call(ctx, client, http.MethodPut, baseURL+"/v1/authorizations/current", first.AccessToken, nil, http.StatusOK, &second)
	call(ctx, client, http.MethodGet, baseURL+"/v1/user", first.AccessToken, nil, http.StatusUnauthorized, nil)
	if _, err := verifier.Verify(ctx, first.AccessToken); !errors.Is(err, auth.ErrTokenRevoked) {
		log.Fatalf("refreshed token still verifies over grpc: %v", err)
	}

	call(ctx, client, http.MethodDelete, baseURL+"/v1/authorizations/current", second.AccessToken, nil, http.StatusNoContent, nil)
	call(ctx, client, http.MethodGet, baseURL+"/v1/user", second.AccessToken, nil, http.StatusUnauthorized, nil)

	fmt.Printf("auth smoke test passed: user=%s\n", id.UserID)
}

func call(ctx context.Context, client *http.Client, method, url, token string, body any, want int, out any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("encode %s %s: %v", method, url, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		log.Fatalf("build %s %s: %v", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		log.Fatalf("%s %s: expected %d, got %d", method, url, want, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
}
