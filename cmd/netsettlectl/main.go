// Command netsettlectl is the operator CLI for netsettled. It logs in
// against the daemon's operator surface and issues the force-close,
// retry-settlement, and batch-query verbs over HTTP.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type client struct {
	baseURL     string
	token       string
	actionToken string
	http        *http.Client
}

func newClient(baseURL string) *client {
	return &client{baseURL: baseURL, http: &http.Client{Timeout: 15 * time.Second}}
}

func (c *client) login(username, password string) error {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := c.http.Post(c.baseURL+"/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if !r.Success {
		return fmt.Errorf("login failed: %s", r.Error)
	}

	var data struct {
		Token       string `json:"token"`
		ActionToken string `json:"action_token"`
	}
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return fmt.Errorf("decode login token: %w", err)
	}
	c.token = data.Token
	c.actionToken = data.ActionToken
	return nil
}

func (c *client) do(method, path string, body []byte) (*response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actionToken != "" && method != http.MethodGet {
		req.Header.Set("X-Action-Token", c.actionToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &r, nil
}

func main() {
	baseURL := flag.String("addr", "http://127.0.0.1:8080", "netsettled API base URL")
	username := flag.String("username", "operator", "operator username")
	password := flag.String("password", "", "operator password")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	c := newClient(*baseURL)
	if *password == "" {
		*password = os.Getenv("NETSETTLE_OPERATOR_PASSWORD")
	}
	if err := c.login(*username, *password); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var (
		r   *response
		err error
	)
	switch args[0] {
	case "force-close":
		r, err = c.do(http.MethodPost, "/v1/operator/batches/force-close", nil)
	case "retry-settlement":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: netsettlectl retry-settlement <batch_id>")
			os.Exit(2)
		}
		r, err = c.do(http.MethodPost, "/v1/operator/batches/"+args[1]+"/retry-settlement", nil)
	case "query":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: netsettlectl query <batch_id>")
			os.Exit(2)
		}
		r, err = c.do(http.MethodGet, "/v1/operator/batches/"+args[1], nil)
	case "register-policy":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: netsettlectl register-policy <json-file>")
			os.Exit(2)
		}
		payload, readErr := os.ReadFile(args[1])
		if readErr != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", readErr)
			os.Exit(1)
		}
		r, err = c.do(http.MethodPost, "/v1/operator/session-policies", payload)
	case "revoke-policy":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: netsettlectl revoke-policy <session_pubkey>")
			os.Exit(2)
		}
		r, err = c.do(http.MethodDelete, "/v1/operator/session-policies/"+args[1], nil)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	printResponse(r)
	if !r.Success {
		os.Exit(1)
	}
}

func printResponse(r *response) {
	if r.Message != "" {
		fmt.Println(r.Message)
	}
	if r.Error != "" {
		fmt.Fprintln(os.Stderr, r.Error)
	}
	if len(r.Data) > 0 && string(r.Data) != "null" {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, r.Data, "", "  "); err == nil {
			fmt.Println(pretty.String())
		}
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: netsettlectl [-addr url] [-username name] [-password pass] <command> [args]

commands:
  force-close                       close the current pending window into a batch
  retry-settlement <batch_id>       resubmit a batch to the chain
  query <batch_id>                  fetch a batch's full record
  register-policy <json-file>       register a session-key policy
  revoke-policy <session_pubkey>    revoke a session-key policy`)
}
