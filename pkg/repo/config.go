package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/object"
	"github.com/odvcencio/minigit/pkg/remote"
	"github.com/odvcencio/minigit/pkg/vfs"
)

const configFile = "config.toml"

// Config is the repository-local configuration stored in .git/config.toml.
type Config struct {
	Core    CoreConfig              `toml:"core"`
	User    UserConfig              `toml:"user"`
	Remotes map[string]RemoteConfig `toml:"remote,omitempty"`
}

type CoreConfig struct {
	ObjectFormat  string `toml:"objectformat"`
	DefaultBranch string `toml:"defaultbranch,omitempty"`
}

type UserConfig struct {
	Name       string `toml:"name,omitempty"`
	Email      string `toml:"email,omitempty"`
	SigningKey string `toml:"signingkey,omitempty"`
}

// RemoteConfig describes a named remote. Credentials are never stored here.
type RemoteConfig struct {
	URL       string `toml:"url"`
	CORSProxy string `toml:"corsproxy,omitempty"`
}

func readConfig(fsys vfs.FS, gitDir string) (*Config, error) {
	cfg := &Config{}
	data, err := fsys.ReadFile(filepath.Join(gitDir, configFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if cfg.Remotes == nil {
		cfg.Remotes = make(map[string]RemoteConfig)
	}
	return cfg, nil
}

func writeConfig(fsys vfs.FS, gitDir string, cfg *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("write config: encode: %w", err)
	}
	if err := fsys.WriteFile(filepath.Join(gitDir, configFile), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ReadConfig loads .git/config.toml. A missing file yields an empty config.
func (r *Repo) ReadConfig() (*Config, error) {
	return readConfig(r.FS, r.GitDir)
}

// WriteConfig replaces .git/config.toml.
func (r *Repo) WriteConfig(cfg *Config) error {
	return writeConfig(r.FS, r.GitDir, cfg)
}

// SetConfig sets one dotted key. Supported keys are user.name, user.email,
// user.signingkey, core.defaultbranch, remote.<name>.url and
// remote.<name>.corsproxy.
func (r *Repo) SetConfig(ctx context.Context, key, value string) error {
	_, done, err := r.lock(ctx, "SetConfig")
	if err != nil {
		return err
	}
	defer done()

	cfg, err := r.ReadConfig()
	if err != nil {
		return err
	}
	if err := setConfigKey(cfg, key, strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return r.WriteConfig(cfg)
}

// GetConfig returns the value of a dotted key, or "" if it is unset.
func (r *Repo) GetConfig(key string) (string, error) {
	cfg, err := r.ReadConfig()
	if err != nil {
		return "", err
	}
	section, name, sub, err := splitConfigKey(key)
	if err != nil {
		return "", err
	}
	switch section {
	case "core":
		switch name {
		case "objectformat":
			return cfg.Core.ObjectFormat, nil
		case "defaultbranch":
			return cfg.Core.DefaultBranch, nil
		}
	case "user":
		switch name {
		case "name":
			return cfg.User.Name, nil
		case "email":
			return cfg.User.Email, nil
		case "signingkey":
			return cfg.User.SigningKey, nil
		}
	case "remote":
		rc := cfg.Remotes[sub]
		switch name {
		case "url":
			return rc.URL, nil
		case "corsproxy":
			return rc.CORSProxy, nil
		}
	}
	return "", fmt.Errorf("get config: unknown key %q", key)
}

func setConfigKey(cfg *Config, key, value string) error {
	section, name, sub, err := splitConfigKey(key)
	if err != nil {
		return err
	}
	switch section + "." + name {
	case "core.defaultbranch":
		if _, err := branchRef(value); err != nil {
			return err
		}
		cfg.Core.DefaultBranch = value
	case "user.name":
		cfg.User.Name = value
	case "user.email":
		cfg.User.Email = value
	case "user.signingkey":
		cfg.User.SigningKey = value
	case "remote.url":
		endpoint, err := remote.ParseEndpoint(value, "")
		if err != nil {
			return err
		}
		rc := cfg.Remotes[sub]
		rc.URL = endpoint.URL
		cfg.Remotes[sub] = rc
	case "remote.corsproxy":
		rc, ok := cfg.Remotes[sub]
		if !ok {
			return fmt.Errorf("remote %q: %w", sub, errs.ErrNotFound)
		}
		rc.CORSProxy = value
		cfg.Remotes[sub] = rc
	default:
		return fmt.Errorf("unknown or read-only key %q", key)
	}
	return nil
}

// splitConfigKey splits "section.name" or "section.sub.name".
func splitConfigKey(key string) (section, name, sub string, err error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(key)), ".")
	switch {
	case len(parts) == 2 && parts[0] != "remote":
		return parts[0], parts[1], "", nil
	case len(parts) == 3 && parts[0] == "remote" && parts[1] != "":
		return parts[0], parts[2], parts[1], nil
	default:
		return "", "", "", fmt.Errorf("invalid config key %q", key)
	}
}

// AddRemote registers a named remote. An existing name fails with
// errs.ErrAlreadyExists.
func (r *Repo) AddRemote(ctx context.Context, name, url string) error {
	_, done, err := r.lock(ctx, "AddRemote")
	if err != nil {
		return err
	}
	defer done()

	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/. ") {
		return fmt.Errorf("add remote: invalid remote name %q", name)
	}
	endpoint, err := remote.ParseEndpoint(url, "")
	if err != nil {
		return fmt.Errorf("add remote: %w", err)
	}
	cfg, err := r.ReadConfig()
	if err != nil {
		return err
	}
	if _, ok := cfg.Remotes[name]; ok {
		return fmt.Errorf("add remote %q: %w", name, errs.ErrAlreadyExists)
	}
	cfg.Remotes[name] = RemoteConfig{URL: endpoint.URL}
	r.log.WithFields(logrus.Fields{"remote": name, "url": endpoint.URL}).Info("added remote")
	return r.WriteConfig(cfg)
}

// Remotes returns the configured remote names, sorted.
func (r *Repo) Remotes() ([]string, error) {
	cfg, err := r.ReadConfig()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cfg.Remotes))
	for name := range cfg.Remotes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Repo) remoteConfig(name string) (RemoteConfig, error) {
	cfg, err := r.ReadConfig()
	if err != nil {
		return RemoteConfig{}, err
	}
	rc, ok := cfg.Remotes[name]
	if !ok || strings.TrimSpace(rc.URL) == "" {
		return RemoteConfig{}, fmt.Errorf("remote %q is not configured: %w", name, errs.ErrNotFound)
	}
	return rc, nil
}

// defaultIdent returns the configured user identity stamped with now.
func (r *Repo) defaultIdent() (object.Ident, error) {
	cfg, err := r.ReadConfig()
	if err != nil {
		return object.Ident{}, err
	}
	if cfg.User.Name == "" || cfg.User.Email == "" {
		return object.Ident{}, fmt.Errorf("user.name and user.email are not configured")
	}
	return object.Ident{Name: cfg.User.Name, Email: cfg.User.Email, When: r.opts.Now()}, nil
}
