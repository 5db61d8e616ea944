package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"curvevm/cmd/internal/secret"
	"curvevm/services/curved/config"
	"curvevm/services/curved/server"
)

const (
	tokenCommand   = "token"
	quoteCommand   = "quote"
	executeCommand = "execute"
	stateCommand   = "state"
	historyCommand = "history"
	excessCommand  = "excess"
	defaultServer  = "http://127.0.0.1:7080"
	defaultTimeout = 10 * time.Second
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	case quoteCommand, executeCommand:
		err = runTransform(os.Args[1], os.Args[2:], os.Stdout)
	case stateCommand:
		err = runState(os.Args[2:], os.Stdout)
	case historyCommand:
		err = runHistory(os.Args[2:], os.Stdout)
	case excessCommand:
		err = runExcess(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ExitOnError)
	issuer := fs.String("issuer", "", "Token issuer (must match curved auth.issuer)")
	audience := fs.String("audience", "", "Token audience (must match curved auth.audience)")
	scope := fs.String("scope", server.DefaultExecuteScope, "Scope granted by the token")
	subject := fs.String("subject", "operator", "Token subject")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	secretEnv := fs.String("secret-env", config.AuthSecretEnv, "Environment variable containing the HMAC secret")
	fs.Parse(args)

	key, err := secret.NewSource(*secretEnv, "curved auth secret").Get()
	if err != nil {
		return err
	}
	token, err := mintToken(key, *issuer, *audience, *subject, *scope, *ttl, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func mintToken(key, issuer, audience, subject, scope string, ttl time.Duration, now time.Time) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"jti":   uuid.NewString(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

func runTransform(mode string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	base := fs.String("server", defaultServer, "curved base URL")
	position := fs.String("position", "", "Position key")
	balanceIn := fs.String("in", "", "Current input-token balance")
	balanceOut := fs.String("out", "", "Current output-token balance")
	amountIn := fs.String("amount-in", "", "Pending swap input amount (optional)")
	amountOut := fs.String("amount-out", "", "Pending swap output amount (optional)")
	token := fs.String("token", os.Getenv("CURVED_TOKEN"), "Bearer token for execute")
	idemKey := fs.String("idempotency-key", "", "Idempotency key for execute (generated when empty)")
	fs.Parse(args)

	body := map[string]string{
		"balanceIn":  *balanceIn,
		"balanceOut": *balanceOut,
		"amountIn":   *amountIn,
		"amountOut":  *amountOut,
	}
	headers := http.Header{}
	if mode == executeCommand {
		if strings.TrimSpace(*token) != "" {
			headers.Set("Authorization", "Bearer "+strings.TrimSpace(*token))
		}
		key := strings.TrimSpace(*idemKey)
		if key == "" {
			key = uuid.NewString()
		}
		headers.Set("Idempotency-Key", key)
	}
	c := newClient(*base)
	return c.do(http.MethodPost, positionPath(*position, mode), headers, body, out)
}

func runState(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(stateCommand, flag.ExitOnError)
	base := fs.String("server", defaultServer, "curved base URL")
	position := fs.String("position", "", "Position key")
	fs.Parse(args)
	return newClient(*base).do(http.MethodGet, positionPath(*position, ""), nil, nil, out)
}

func runHistory(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(historyCommand, flag.ExitOnError)
	base := fs.String("server", defaultServer, "curved base URL")
	position := fs.String("position", "", "Position key")
	limit := fs.Int("limit", 20, "Maximum records to return")
	fs.Parse(args)
	path := positionPath(*position, "transformations") + "?limit=" + strconv.Itoa(*limit)
	return newClient(*base).do(http.MethodGet, path, nil, nil, out)
}

func runExcess(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(excessCommand, flag.ExitOnError)
	base := fs.String("server", defaultServer, "curved base URL")
	position := fs.String("position", "", "Position key")
	fs.Parse(args)
	return newClient(*base).do(http.MethodGet, positionPath(*position, "excess"), nil, nil, out)
}

func positionPath(position, suffix string) string {
	path := "/positions/" + url.PathEscape(strings.TrimSpace(position)) + "/"
	return path + suffix
}

type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{base: strings.TrimRight(strings.TrimSpace(base), "/"), http: &http.Client{Timeout: defaultTimeout}}
}

// do issues the request and pretty-prints the JSON response. Non-2xx statuses
// are returned as errors carrying the server's error body.
func (c *client) do(method, path string, headers http.Header, body any, out io.Writer) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	for k, values := range headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(payload)))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		_, err = out.Write(payload)
		return err
	}
	pretty.WriteByte('\n')
	_, err = out.Write(pretty.Bytes())
	return err
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintf(os.Stderr, "  %s    Mint a bearer token for curved\n", tokenCommand)
	fmt.Fprintf(os.Stderr, "  %s    Preview a transformation without persisting it\n", quoteCommand)
	fmt.Fprintf(os.Stderr, "  %s  Run and persist a transformation\n", executeCommand)
	fmt.Fprintf(os.Stderr, "  %s    Show a position's stored curve state\n", stateCommand)
	fmt.Fprintf(os.Stderr, "  %s  List recorded transformations\n", historyCommand)
	fmt.Fprintf(os.Stderr, "  %s   Show excess reserves held back from swaps\n", excessCommand)
}
