package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tokligence/chatflow-gateway/internal/config"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root            string
	Environment     string
	HTTPAddress     string
	DatabaseDriver  string
	DatabaseDSN     string
	SQLitePath      string
	UserCacheDriver string
	RedisAddr       string
	Force           bool
}

// Init scaffolds configuration files and an API seed for chatflowd.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := Validate(opts); err != nil {
		return err
	}
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	envPath := filepath.Join(opts.Root, "config", opts.Environment, "chatflow.ini")
	if err := writeFile(envPath, chatflowTemplate(opts), opts.Force); err != nil {
		return err
	}

	seedPath := filepath.Join(opts.Root, "config", "apis.yaml")
	if err := writeFile(seedPath, seedTemplate, opts.Force); err != nil {
		return err
	}
	return nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":8088"
	}
	opts.DatabaseDriver = strings.ToLower(strings.TrimSpace(opts.DatabaseDriver))
	if opts.DatabaseDriver == "" {
		opts.DatabaseDriver = "sqlite"
	}
	if strings.TrimSpace(opts.SQLitePath) == "" {
		opts.SQLitePath = config.DefaultSQLitePath()
	}
	opts.UserCacheDriver = strings.ToLower(strings.TrimSpace(opts.UserCacheDriver))
	if opts.UserCacheDriver == "" {
		opts.UserCacheDriver = "memory"
	}
	if strings.TrimSpace(opts.RedisAddr) == "" {
		opts.RedisAddr = "localhost:6379"
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Chatflow gateway settings
environment=%s
log_level=info
session_max_turns=50
`, opts.Environment)
}

func chatflowTemplate(opts InitOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Environment specific overrides for %s\n", opts.Environment)
	fmt.Fprintf(&b, "http_address=%s\n", opts.HTTPAddress)
	b.WriteString("# Dash '-' disables file output.\nlog_file=logs/chatflowd.log\n")
	fmt.Fprintf(&b, "database_driver=%s\n", opts.DatabaseDriver)
	if opts.DatabaseDriver == "postgres" {
		fmt.Fprintf(&b, "database_dsn=%s\n", opts.DatabaseDSN)
	} else {
		fmt.Fprintf(&b, "sqlite_path=%s\n", opts.SQLitePath)
	}
	b.WriteString("registry_file=config/apis.yaml\n")
	fmt.Fprintf(&b, "user_cache_driver=%s\n", opts.UserCacheDriver)
	if opts.UserCacheDriver == "redis" {
		fmt.Fprintf(&b, "redis_addr=%s\n", opts.RedisAddr)
	}
	return b.String()
}

const seedTemplate = `# Upstream chatflows, addressed as POST /dify/{code}.
# Header values may reference environment variables.
apis:
  - code: default
    name: Default chatflow
    url: https://api.dify.ai/v1/chat-messages
    headers:
      Authorization: Bearer ${DIFY_API_KEY}
`

// Validate ensures the options describe a loadable configuration without modifying files.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	switch opts.DatabaseDriver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(opts.DatabaseDSN) == "" {
			return errors.New("database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", opts.DatabaseDriver)
	}
	switch opts.UserCacheDriver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported user cache driver %q", opts.UserCacheDriver)
	}
	return nil
}
