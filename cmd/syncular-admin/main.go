// syncular-admin is a command-line client for the syncular console
// API. It talks to one instance (or the federation gateway) using an
// admin key and prints JSON responses.
//
// Usage:
//
//	syncular-admin -server http://localhost:8080 -admin-key KEY stats
//	syncular-admin -admin-key KEY token -actor user-1 -scopes user:user-1
//	syncular-admin -admin-key KEY prune -partition default
//	syncular-admin -admin-key KEY create-key -name relay-eu -type relay
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Base URL of the sync instance or gateway")
	adminKey := flag.String("admin-key", "", "Console admin key")
	partition := flag.String("partition", "", "Partition id (default partition when empty)")
	actor := flag.String("actor", "", "Actor id for token minting")
	client := flag.String("client", "", "Client id for evict")
	tables := flag.String("tables", "", "Comma-separated table names for notify")
	scopes := flag.String("scopes", "", "Comma-separated scope keys for token minting")
	ttl := flag.Int("ttl", 0, "Token TTL in minutes (0 = server default)")
	limit := flag.Int("limit", 0, "List page size (0 = server default)")
	offset := flag.Int("offset", 0, "List offset")
	name := flag.String("name", "", "API key name")
	keyType := flag.String("type", "relay", "API key type: relay, proxy, or admin")
	keyID := flag.String("key-id", "", "API key id for revoke/rotate")
	expiresDays := flag.Int("expires-days", 0, "API key expiry in days (0 = no expiry)")
	graceHours := flag.Int("grace-hours", 0, "Staged rotation grace window in hours (0 = default)")
	flag.Parse()

	if *adminKey == "" {
		log.Fatal("-admin-key is required")
	}
	cmd := flag.Arg(0)
	if cmd == "" {
		log.Fatal("a command is required: stats, clients, commits, events, timeline, handlers, token, prune, prune-preview, compact, retention, notify, evict, keys, create-key, rotate-key, revoke-key, health")
	}

	a := &Admin{
		server:   strings.TrimRight(*server, "/"),
		adminKey: *adminKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}

	page := url.Values{}
	if *partition != "" {
		page.Set("partitionId", *partition)
	}
	if *limit > 0 {
		page.Set("limit", strconv.Itoa(*limit))
	}
	if *offset > 0 {
		page.Set("offset", strconv.Itoa(*offset))
	}

	var err error
	switch cmd {
	case "health":
		err = a.get("/health", nil)
	case "stats":
		err = a.get("/console/stats", page)
	case "clients":
		err = a.get("/console/clients", page)
	case "commits":
		err = a.get("/console/commits", page)
	case "events":
		err = a.get("/console/events", page)
	case "timeline":
		err = a.get("/console/timeline", page)
	case "handlers":
		err = a.get("/console/handlers", nil)
	case "keys":
		err = a.get("/console/api-keys", page)
	case "token":
		if *actor == "" {
			log.Fatal("token requires -actor")
		}
		body := map[string]any{"actorId": *actor}
		if *partition != "" {
			body["partitionId"] = *partition
		}
		if *scopes != "" {
			body["scopeKeys"] = splitList(*scopes)
		}
		if *ttl > 0 {
			body["ttlMinutes"] = *ttl
		}
		err = a.post("/console/tokens", body)
	case "prune":
		err = a.post("/console/prune", partitionBody(*partition))
	case "prune-preview":
		err = a.post("/console/prune/preview", partitionBody(*partition))
	case "compact":
		err = a.post("/console/compact", partitionBody(*partition))
	case "retention":
		err = a.post("/console/events/prune", nil)
	case "notify":
		if *tables == "" {
			log.Fatal("notify requires -tables")
		}
		body := map[string]any{"tables": splitList(*tables)}
		if *partition != "" {
			body["partitionId"] = *partition
		}
		err = a.post("/console/notify-data-change", body)
	case "evict":
		if *client == "" {
			log.Fatal("evict requires -client")
		}
		err = a.delete("/console/clients/"+url.PathEscape(*client), page)
	case "create-key":
		if *name == "" {
			log.Fatal("create-key requires -name")
		}
		body := map[string]any{"name": *name, "keyType": *keyType}
		if *partition != "" {
			body["partitionId"] = *partition
		}
		if *actor != "" {
			body["actorId"] = *actor
		}
		if *scopes != "" {
			body["scopeKeys"] = splitList(*scopes)
		}
		if *expiresDays > 0 {
			body["expiresInDays"] = *expiresDays
		}
		err = a.post("/console/api-keys", body)
	case "rotate-key":
		if *keyID == "" {
			log.Fatal("rotate-key requires -key-id")
		}
		path := "/console/api-keys/" + url.PathEscape(*keyID) + "/rotate"
		if *graceHours > 0 {
			path += "/stage"
			err = a.post(path, map[string]any{"graceHours": *graceHours})
		} else {
			err = a.post(path, nil)
		}
	case "revoke-key":
		if *keyID == "" {
			log.Fatal("revoke-key requires -key-id")
		}
		err = a.delete("/console/api-keys/"+url.PathEscape(*keyID), nil)
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", cmd, err)
	}
}

// Admin is a thin console API client.
type Admin struct {
	server   string
	adminKey string
	client   *http.Client
}

func (a *Admin) get(path string, query url.Values) error {
	return a.do(http.MethodGet, path, query, nil)
}

func (a *Admin) post(path string, body map[string]any) error {
	return a.do(http.MethodPost, path, nil, body)
}

func (a *Admin) delete(path string, query url.Values) error {
	return a.do(http.MethodDelete, path, query, nil)
}

func (a *Admin) do(method, path string, query url.Values, body map[string]any) error {
	u := a.server + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.adminKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func partitionBody(partition string) map[string]any {
	if partition == "" {
		return nil
	}
	return map[string]any{"partitionId": partition}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
