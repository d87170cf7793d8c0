package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/splax/settingsd/internal/domain"
	apiclient "github.com/splax/settingsd/pkg/api/client"
	jwtpkg "github.com/splax/settingsd/pkg/jwt"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "deploy":
		err = commandDeploy(args)
	case "status":
		err = commandStatus(args)
	case "list":
		err = commandList(args)
	case "settings":
		err = commandSettings(args)
	case "watch":
		err = commandWatch(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// commandLogin mints an access token from the shared signing secret and
// stores it alongside the API address.
func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	user := fs.String("user", "", "User identifier recorded on deployments")
	role := fs.String("role", string(domain.RoleUser), "Role (GUEST|USER|ADMIN)")
	secret := fs.String("secret", "", "JWT signing secret (supply to avoid prompt)")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	if strings.TrimSpace(*user) == "" {
		return errors.New("--user is required")
	}
	parsedRole := domain.ParseRole(*role)
	if parsedRole == "" {
		return fmt.Errorf("unknown role: %s", *role)
	}

	key := strings.TrimSpace(*secret)
	if key == "" {
		secretBytes, err := readSecret()
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		key = strings.TrimSpace(string(secretBytes))
	}
	if key == "" {
		return errors.New("signing secret is required")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	} else if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}

	token, err := jwtpkg.GenerateToken(strings.TrimSpace(*user), string(parsedRole), key, *ttl)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	cfg.AccessToken = token
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("token stored for %s (%s)\n", *user, parsedRole)
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	priorID := fs.String("id", "", "Redeploy the snapshot of an earlier deployment")
	wait := fs.Bool("wait", false, "Wait until the deployment settles")
	timeout := fs.Duration("timeout", 10*time.Minute, "Maximum time to wait")
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	dep, err := client.Deploy(ctx, token, *priorID)
	cancel()
	if err != nil {
		return err
	}
	fmt.Printf("deployment started: %s status=%s\n", dep.ID, dep.Status)
	if !*wait {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	final, err := client.WaitForDeployment(waitCtx, token, dep.ID, 2*time.Second)
	if err != nil {
		return err
	}
	fmt.Printf("deployment %s finished: %s %s\n", final.ID, final.Status, final.Description)
	if final.Status != string(domain.StatusOK) {
		return fmt.Errorf("deployment ended with status %s", final.Status)
	}
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	deploymentID := fs.String("id", "", "Show one deployment instead of the aggregate status")
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if strings.TrimSpace(*deploymentID) != "" {
		dep, err := client.GetDeployment(ctx, token, *deploymentID)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", dep.ID, dep.Status, dep.Description)
		for _, n := range dep.Notifications {
			state := "ok"
			if !n.OK {
				state = "failed " + n.Error
			}
			fmt.Printf("  %s\t%s\t%s\n", n.Kind, n.Target, state)
		}
		return nil
	}
	status, err := client.DeployStatus(ctx, token)
	if err != nil {
		return err
	}
	fmt.Println(status)
	return nil
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Maximum number of deployments")
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := client.ListDeployments(ctx, token, *limit)
	if err != nil {
		return err
	}
	for _, dep := range deployments {
		fmt.Printf("%s\t%s\t%s\t%s\n", dep.ID, dep.Status, dep.CreatedAt.Format(time.RFC3339), dep.Description)
	}
	return nil
}

func commandSettings(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: settingsctl settings [get|set|versions]")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "get":
		current, err := client.GetSettings(ctx, token)
		if err != nil {
			return err
		}
		return printJSON(current)
	case "set":
		fs := flag.NewFlagSet("settings set", flag.ExitOnError)
		file := fs.String("file", "-", "JSON object to store (- reads stdin)")
		fs.Parse(args[1:])
		values, err := readInput(*file)
		if err != nil {
			return err
		}
		resp, err := client.UpdateSettings(ctx, token, values)
		if err != nil {
			return err
		}
		fmt.Printf("settings stored as version %d\n", resp.Settings.Version)
		for _, n := range resp.Notifications {
			if !n.OK {
				fmt.Printf("  refresh failed: %s %s\n", n.Target, n.Error)
			}
		}
		return nil
	case "versions":
		fs := flag.NewFlagSet("settings versions", flag.ExitOnError)
		limit := fs.Int("limit", 10, "Maximum number of versions")
		fs.Parse(args[1:])
		versions, err := client.ListSettingsVersions(ctx, token, *limit)
		if err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Printf("%d\t%s\t%s\t%s\n", v.Version, v.ID, v.CreatedBy, v.CreatedAt.Format(time.RFC3339))
		}
		return nil
	default:
		return fmt.Errorf("unknown settings command: %s", args[0])
	}
}

// commandWatch prints live deployment events until interrupted.
func commandWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, client.WatchURL(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("watch rejected (%d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial events: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		var event domain.DeploymentEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			fmt.Println(string(payload))
			continue
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", event.OccurredAt.Format(time.RFC3339), event.Kind, event.DeploymentID, event.Status, event.Description)
	}
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func readSecret() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return []byte(line), nil
	}
	fmt.Print("Signing secret: ")
	secret, err := term.ReadPassword(fd)
	fmt.Print("\n")
	return secret, err
}

func authedClient() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'settingsctl login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func readInput(path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return json.RawMessage(data), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:4000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "settingsctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("settingsctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	settingsctl login --user <id> [--role USER] [--secret s] [--api http://localhost:4000]
	settingsctl deploy [--id <deployment-id>] [--wait]
	settingsctl status [--id <deployment-id>]
	settingsctl list [--limit N]
	settingsctl settings get
	settingsctl settings set [--file values.json]
	settingsctl settings versions [--limit N]
	settingsctl watch
	settingsctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
