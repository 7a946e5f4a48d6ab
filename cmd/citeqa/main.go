// Command citeqa uploads PDF documents to the citeqa backend and follows their
// server-side processing and chat queries.
//
//	citeqa upload [-config upload.yml] [-watch] [-s3] <path or glob>...
//	citeqa query <query-uuid>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/citeqa/client/auth"
	"github.com/joho/godotenv"
)

// version is set at build time.
var version = "dev"

// Endpoint configuration.
const (
	APIURLEnvKey = "CITEQA_API_URL"
	WSURLEnvKey  = "CITEQA_WS_URL"

	defaultAPIURL  = "http://localhost:8000/api"
	defaultEnvFile = ".env"
)

var errUsage = errors.New("usage: citeqa upload|query|version [flags] [args]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.NewLogger()
	if err := run(ctx, os.Args[1:], logger); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.Errorf("%s", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, logger log.Logger) error {
	if len(args) == 0 {
		return errUsage
	}

	switch args[0] {
	case "upload":
		return runUpload(ctx, args[1:], logger)
	case "query":
		return runQuery(ctx, args[1:], logger)
	case "version":
		fmt.Println(version)
		return nil
	default:
		return fmt.Errorf("unknown command %q, %w", args[0], errUsage)
	}
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	envFile *string
	verbose *bool
}

func registerCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		envFile: fs.String("env-file", "", "dotenv file to load before reading CITEQA_* variables (default .env when present)"),
		verbose: fs.Bool("verbose", false, "enable debug logging"),
	}
}

// apply loads the dotenv file and configures the logger.
func (f commonFlags) apply(logger log.Logger) (env.Repository, error) {
	logger.EnableDebugLog(*f.verbose)

	envFile := *f.envFile
	if envFile == "" {
		exists, err := pathutil.NewPathChecker().IsPathExists(defaultEnvFile)
		if err != nil {
			logger.Warnf("Failed to check %s: %s", defaultEnvFile, err)
		}
		if exists {
			envFile = defaultEnvFile
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
		logger.Debugf("Loaded environment from %s", envFile)
	}

	return env.NewRepository(), nil
}

// endpoints holds the backend roots.
type endpoints struct {
	api string
	ws  string
}

func loadEndpoints(envRepo env.Repository) endpoints {
	api := strings.TrimSuffix(envRepo.Get(APIURLEnvKey), "/")
	if api == "" {
		api = defaultAPIURL
	}

	ws := strings.TrimSuffix(envRepo.Get(WSURLEnvKey), "/")
	if ws == "" {
		ws = wsURLFromAPI(api)
	}
	return endpoints{api: api, ws: ws}
}

// wsURLFromAPI maps http(s)://host/api to ws(s)://host.
func wsURLFromAPI(api string) string {
	ws := strings.TrimSuffix(api, "/api")
	switch {
	case strings.HasPrefix(ws, "https://"):
		return "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		return "ws://" + strings.TrimPrefix(ws, "http://")
	default:
		return ws
	}
}

// tokenSource returns nil when no token is configured, which makes the
// clients send anonymous requests.
func tokenSource(envRepo env.Repository, logger log.Logger) auth.TokenSource {
	if envRepo.Get(auth.AccessTokenEnvKey) == "" {
		logger.Warnf("%s is not set, sending anonymous requests", auth.AccessTokenEnvKey)
		return nil
	}
	return auth.FromEnv(envRepo)
}
