package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/odvcencio/minigit/pkg/remote"
	"github.com/odvcencio/minigit/pkg/repo"
	"github.com/odvcencio/minigit/pkg/vfs"
)

// Configuration keys. Each is settable by flag, by MINIGIT_<KEY> in the
// environment, or in the optional YAML config file.
const (
	keyRepo        = "repo"
	keyVerbose     = "verbose"
	keyOutput      = "output"
	keyTrace       = "trace"
	keyToken       = "token"
	keyUsername    = "username"
	keyPassword    = "password"
	keyCORSProxy   = "cors_proxy"
	keyTimeout     = "timeout"
	keyRetries     = "retries"
	keyAuthorName  = "author_name"
	keyAuthorEmail = "author_email"
	keySigningKey  = "signing_key"
)

// app holds what every command shares: resolved settings, the logger and
// the filesystem repositories live on.
type app struct {
	v        *viper.Viper
	log      *logrus.Logger
	fs       vfs.FS
	shutdown func(context.Context) error
}

func newApp() *app {
	v := viper.New()
	v.SetEnvPrefix("MINIGIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetDefault(keyRepo, ".")
	v.SetDefault(keyOutput, "text")
	v.SetDefault(keyTimeout, 60*time.Second)
	v.SetDefault(keyRetries, 3)

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)
	return &app{v: v, log: log, fs: vfs.NewOS()}
}

// flagKeys maps configuration keys to the persistent flags that set them.
var flagKeys = map[string]string{
	keyRepo:      "repo",
	keyVerbose:   "verbose",
	keyOutput:    "output",
	keyTrace:     "trace",
	keyToken:     "token",
	keyUsername:  "username",
	keyPassword:  "password",
	keyCORSProxy: "cors-proxy",
	keyTimeout:   "timeout",
	keyRetries:   "retries",
}

func (a *app) defineFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringP("repo", "C", ".", "repository root")
	f.CountP("verbose", "v", "increase log verbosity (-v info, -vv debug)")
	f.StringP("output", "o", "text", "output format: text or yaml")
	f.Bool("trace", false, "print OpenTelemetry spans to stderr")
	f.String("config", "", "config file (default $XDG_CONFIG_HOME/minigit/config.yaml)")
	f.String("token", "", "bearer token for remote requests")
	f.String("username", "", "basic auth username for remote requests")
	f.String("password", "", "basic auth password for remote requests")
	f.String("cors-proxy", "", "CORS proxy prefix for remote requests")
	f.Duration("timeout", 60*time.Second, "per-request timeout")
	f.Int("retries", 3, "attempts for ref discovery requests")
}

// bindFlags makes viper read each flagKeys entry from the root's
// persistent flags.
func (a *app) bindFlags(root *cobra.Command) error {
	f := root.PersistentFlags()
	for key, name := range flagKeys {
		if err := a.v.BindPFlag(key, f.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// setup runs before every command: config file, log level and tracing.
func (a *app) setup(cmd *cobra.Command) error {
	if err := a.bindFlags(cmd.Root()); err != nil {
		return err
	}
	if err := a.readConfigFile(cmd); err != nil {
		return err
	}

	a.log.SetOutput(cmd.ErrOrStderr())
	switch n := a.v.GetInt(keyVerbose); {
	case n >= 2:
		a.log.SetLevel(logrus.DebugLevel)
	case n == 1:
		a.log.SetLevel(logrus.InfoLevel)
	}

	switch out := a.v.GetString(keyOutput); out {
	case "text", "yaml":
	default:
		return fmt.Errorf("unknown output format %q (want text or yaml)", out)
	}

	if a.v.GetBool(keyTrace) && a.shutdown == nil {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(cmd.ErrOrStderr()), stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		a.shutdown = tp.Shutdown
	}
	return nil
}

func (a *app) readConfigFile(cmd *cobra.Command) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil
	}
	a.v.SetConfigName("config")
	a.v.SetConfigType("yaml")
	a.v.AddConfigPath(filepath.Join(dir, "minigit"))
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func (a *app) close() {
	if a.shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("flush traces")
	}
}

func (a *app) root() (string, error) {
	abs, err := filepath.Abs(a.v.GetString(keyRepo))
	if err != nil {
		return "", fmt.Errorf("resolve repository path: %w", err)
	}
	return abs, nil
}

func (a *app) repoOptions() repo.Options {
	return repo.Options{Logger: a.log}
}

func (a *app) openRepo() (*repo.Repo, error) {
	root, err := a.root()
	if err != nil {
		return nil, err
	}
	return repo.Open(a.fs, root, a.repoOptions())
}

func (a *app) remoteOptions() repo.RemoteOptions {
	return repo.RemoteOptions{
		Auth: remote.Auth{
			Token:    a.v.GetString(keyToken),
			Username: a.v.GetString(keyUsername),
			Password: a.v.GetString(keyPassword),
		},
		CORSProxy:   a.v.GetString(keyCORSProxy),
		Timeout:     a.v.GetDuration(keyTimeout),
		MaxAttempts: a.v.GetInt(keyRetries),
	}
}

// absPaths resolves command-line paths against the working directory.
func absPaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", p, err)
		}
		out = append(out, abs)
	}
	return out, nil
}
